package ws_connection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"futuresdash/go_src/dash_errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 1000 * time.Millisecond
	defaultWriteWait            = 10 * time.Second
	closeWriteWait              = time.Second
)

// State is the lifecycle state of the socket.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
	Reconnecting
	Lost // reconnect budget exhausted; only an explicit Connect leaves it
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Reconnecting:
		return "reconnecting"
	case Lost:
		return "lost"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a socket to url.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// GorillaDialer dials with a gorilla websocket.Dialer.
type GorillaDialer struct {
	dialer *websocket.Dialer
}

// NewDialer returns a Dialer with the given handshake timeout.
func NewDialer(handshakeTimeout time.Duration) *GorillaDialer {
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return &GorillaDialer{dialer: &d}
}

func (g *GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := g.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("websocket dial error to %s (HTTP Status: %s, Response: %s): %w", url, resp.Status, string(bodyBytes), err)
		}
		return nil, fmt.Errorf("websocket dial error to %s: %w", url, err)
	}
	return conn, nil
}

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	BaseURL              string // e.g. ws://localhost:8000
	PathPrefix           string // e.g. /ws
	ClientID             string // generated when empty
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration // base delay, multiplied by the attempt number
	WriteTimeout         time.Duration
	Header               http.Header
}

type attempt struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func (a *attempt) finish(err error) {
	a.err = err
	close(a.done)
}

// Manager owns the single socket of a dashboard session.
//
// At most one dial is in flight and at most one socket is live. Frames are
// delivered to OnFrame handlers from a single reader goroutine, in arrival order.
type Manager struct {
	opts     Options
	clock    clockwork.Clock
	dialer   Dialer
	clientID string
	url      string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	conn     Conn
	attempts int
	pending  *attempt
	timer    clockwork.Timer
	epoch    uint64 // bumped by Disconnect so stale dials and timers stand down
	changes  []State

	writeMu sync.Mutex

	handlersMu    sync.RWMutex
	frameHandlers []func([]byte)
	stateHandlers []func(State)
}

// New builds a Manager in the Idle state. A nil clock means the real clock and
// a nil dialer means gorilla's default dialer.
func New(opts Options, clock clockwork.Clock, dialer Dialer) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if dialer == nil {
		dialer = NewDialer(0)
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteWait
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = NewClientID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		clock:    clock,
		dialer:   dialer,
		clientID: clientID,
		url:      BuildURL(opts.BaseURL, opts.PathPrefix, clientID),
		ctx:      ctx,
		cancel:   cancel,
		state:    Idle,
	}
	return m
}

// NewClientID returns an opaque session identifier of the form client_<hex>.
func NewClientID() string {
	return "client_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// BuildURL joins base address, path prefix and client id.
func BuildURL(baseURL, pathPrefix, clientID string) string {
	url := strings.TrimRight(baseURL, "/")
	if prefix := strings.Trim(pathPrefix, "/"); prefix != "" {
		url += "/" + prefix
	}
	return url + "/" + clientID
}

func (m *Manager) ClientID() string { return m.clientID }

func (m *Manager) URL() string { return m.url }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectAttempts is the number of reconnects tried since the last successful open.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// IsConnected is true only when the state is Open and a socket is held.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Open && m.conn != nil
}

// OnFrame registers a handler for every inbound text frame. Handlers run on the reader goroutine.
func (m *Manager) OnFrame(fn func([]byte)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.frameHandlers = append(m.frameHandlers, fn)
}

// OnStateChange registers a handler called after each state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.stateHandlers = append(m.stateHandlers, fn)
}

// Start opens the connection; it is Connect under the lifecycle name.
func (m *Manager) Start(ctx context.Context) error {
	return m.Connect(ctx)
}

// Connect opens the socket. It returns nil at once when already open and joins
// the in-flight attempt if there is one. ctx only bounds the wait.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Open && m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return dash_errors.ErrConnectionClosed
	}
	a := m.pending
	if a == nil {
		a = m.beginAttemptLocked(false)
	}
	m.unlockAndNotify()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) beginAttemptLocked(retry bool) *attempt {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	dialCtx, cancel := context.WithCancel(m.ctx)
	a := &attempt{done: make(chan struct{}), cancel: cancel}
	m.pending = a
	m.setStateLocked(Connecting)

	epoch := m.epoch
	m.wg.Add(1)
	go m.dial(dialCtx, a, epoch, retry)
	return a
}

func (m *Manager) dial(ctx context.Context, a *attempt, epoch uint64, retry bool) {
	defer m.wg.Done()
	defer a.cancel()

	logrus.Infof("WSConnection: Connecting to %s", m.url)
	conn, err := m.dialer.Dial(ctx, m.url, m.opts.Header)

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		logrus.Debug("WSConnection: Dial finished after disconnect, discarding.")
		a.finish(dash_errors.ErrConnectionClosed)
		return
	}
	m.pending = nil
	if err != nil {
		logrus.Errorf("WSConnection: Connect to %s failed: %v", m.url, err)
		if retry {
			m.scheduleReconnectLocked()
		} else {
			m.setStateLocked(Closed)
		}
		m.unlockAndNotify()
		a.finish(fmt.Errorf("WSConnection: connect: %w", err))
		return
	}

	m.conn = conn
	m.attempts = 0
	m.setStateLocked(Open)
	m.wg.Add(1)
	go m.readLoop(conn)
	m.unlockAndNotify()

	logrus.Infof("WSConnection: Connected as %s", m.clientID)
	a.finish(nil)
}

func (m *Manager) readLoop(conn Conn) {
	defer m.wg.Done()
	defer logrus.Debug("WSConnection: readLoop stopped.")

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(conn, err)
			return
		}
		if messageType != websocket.TextMessage {
			logrus.Debugf("WSConnection: Discarding non-text message (type %d, length %d).", messageType, len(message))
			continue
		}
		m.handlersMu.RLock()
		handlers := append([]func([]byte){}, m.frameHandlers...)
		m.handlersMu.RUnlock()
		for _, h := range handlers {
			h(message)
		}
	}
}

func (m *Manager) handleClosed(conn Conn, readErr error) {
	m.mu.Lock()
	if m.conn != conn {
		// Disconnect already released this socket.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	conn.Close()

	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure) {
		logrus.Infof("WSConnection: Server closed the connection normally.")
		m.setStateLocked(Closed)
	} else {
		logrus.Warnf("WSConnection: Connection dropped: %v", readErr)
		m.setStateLocked(Closed)
		m.scheduleReconnectLocked()
	}
	m.unlockAndNotify()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.opts.MaxReconnectAttempts {
		logrus.Errorf("WSConnection: Giving up after %d reconnect attempts.", m.attempts)
		m.setStateLocked(Lost)
		return
	}
	m.attempts++
	delay := m.opts.ReconnectDelay * time.Duration(m.attempts)
	epoch := m.epoch
	logrus.Infof("WSConnection: Reconnect attempt %d/%d in %v", m.attempts, m.opts.MaxReconnectAttempts, delay)
	m.setStateLocked(Reconnecting)
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(epoch) })
}

func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != Reconnecting || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if m.pending == nil {
		m.beginAttemptLocked(true)
	}
	m.unlockAndNotify()
}

// Disconnect closes the socket as an operator action: no reconnect follows,
// any pending reconnect timer is cancelled and any in-flight dial is abandoned.
// Calling it when already closed is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.pending != nil {
		m.pending.cancel()
		m.pending = nil
	}
	conn := m.conn
	m.conn = nil
	m.attempts = 0
	if conn == nil && (m.state == Closed || m.state == Idle) {
		m.mu.Unlock()
		return
	}
	if conn != nil {
		m.setStateLocked(Closing)
	}
	m.setStateLocked(Closed)
	m.unlockAndNotify()

	if conn != nil {
		m.writeMu.Lock()
		err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteWait))
		m.writeMu.Unlock()
		if err != nil && err != websocket.ErrCloseSent {
			logrus.Debugf("WSConnection: Error sending close message: %v", err)
		}
		if err := conn.Close(); err != nil {
			logrus.Debugf("WSConnection: Error closing connection: %v", err)
		}
		logrus.Info("WSConnection: Disconnected.")
	}
}

// Stop disconnects and waits for the manager's goroutines. The manager cannot be reused.
func (m *Manager) Stop() {
	m.Disconnect()
	m.cancel()
	m.wg.Wait()
}

// Send encodes v as JSON and writes it as one text frame. Frames are never
// queued: when the socket is not open the call is logged and ErrNotConnected returned.
func (m *Manager) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("WSConnection: encode frame: %w", err)
	}

	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != Open || conn == nil {
		logrus.Errorf("WSConnection: Cannot send, connection is %s. Frame dropped.", state)
		return dash_errors.ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
		logrus.Errorf("WSConnection: Failed to set write deadline: %v", err)
		return fmt.Errorf("WSConnection: set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		logrus.Errorf("WSConnection: Failed to send frame: %v", err)
		return fmt.Errorf("WSConnection: write frame: %w", err)
	}
	logrus.Debugf("WSConnection: Sent %d bytes.", len(payload))
	return nil
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.changes = append(m.changes, s)
}

// unlockAndNotify releases mu and then runs state handlers for the transitions
// recorded while it was held.
func (m *Manager) unlockAndNotify() {
	changes := m.changes
	m.changes = nil
	m.mu.Unlock()
	if len(changes) == 0 {
		return
	}
	m.handlersMu.RLock()
	handlers := append([]func(State){}, m.stateHandlers...)
	m.handlersMu.RUnlock()
	for _, s := range changes {
		for _, h := range handlers {
			h(s)
		}
	}
}
