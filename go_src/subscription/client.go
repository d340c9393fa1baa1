package subscription

import (
	"fmt"
	"sync"

	"futuresdash/go_src/dash_errors"
	"futuresdash/go_src/metrics"
	"futuresdash/go_src/series"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Conn is what the client needs from the connection manager.
type Conn interface {
	IsConnected() bool
	Send(v any) error
	OnFrame(fn func([]byte))
}

// Client builds subscription requests and dispatches inbound frames by kind.
//
// Handler registration is additive: registering a function twice calls it twice.
// Within a frame, handlers run in registration order, generic handlers first.
type Client struct {
	conn    Conn
	clock   clockwork.Clock
	metrics *metrics.Metrics

	mu          sync.RWMutex
	onMessage   []func(Frame)
	onAck       []func(Ack)
	onError     []func(error)
	onData      []func(*series.ChartDataset)
	lastRequest *Request
}

// New attaches a client to conn's frame stream. m may be nil.
func New(conn Conn, clock clockwork.Clock, m *metrics.Metrics) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Client{conn: conn, clock: clock, metrics: m}
	conn.OnFrame(c.HandleFrame)
	return c
}

func (c *Client) OnMessage(fn func(Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

func (c *Client) OnAck(fn func(Ack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAck = append(c.onAck, fn)
}

// OnError receives *dash_errors.ServerError for error frames and
// *dash_errors.DecodeError for data frames whose payload cannot be parsed.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

func (c *Client) OnData(fn func(*series.ChartDataset)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = append(c.onData, fn)
}

// RequestData sends a subscription request. It fails with ErrNotConnected,
// without touching the network, when the connection is down. A nil error means
// the frame was written; data arrives later through OnData.
func (c *Client) RequestData(instruments []Instrument, display, pnl Window) (Request, error) {
	if !c.conn.IsConnected() {
		c.metrics.ObserveRequest(dash_errors.ErrNotConnected)
		return Request{}, dash_errors.ErrNotConnected
	}
	req := NewRequest(instruments, display, pnl, c.clock.Now())
	if err := c.conn.Send(req); err != nil {
		c.metrics.ObserveRequest(err)
		return Request{}, fmt.Errorf("Subscription: send request %s: %w", req.RequestID, err)
	}
	c.metrics.ObserveRequest(nil)

	c.mu.Lock()
	c.lastRequest = &req
	c.mu.Unlock()
	logrus.Infof("Subscription: Sent request %s for %d instrument(s)", req.RequestID, len(req.Symbols))
	return req, nil
}

// LastRequest returns the most recently sent request. The next data frame is
// taken to answer it.
func (c *Client) LastRequest() (Request, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastRequest == nil {
		return Request{}, false
	}
	return *c.lastRequest, true
}

// HandleFrame decodes and dispatches one raw frame. Frames that are not JSON
// are logged and dropped.
func (c *Client) HandleFrame(raw []byte) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		c.metrics.ObserveMalformedFrame()
		logrus.Errorf("Subscription: Dropping frame: %v", err)
		return
	}
	c.metrics.ObserveFrame(frame.Kind.String())
	c.Dispatch(frame)
}

// Dispatch runs the handlers for an already-decoded frame.
func (c *Client) Dispatch(frame Frame) {
	c.mu.RLock()
	onMessage := append([]func(Frame){}, c.onMessage...)
	onAck := append([]func(Ack){}, c.onAck...)
	onError := append([]func(error){}, c.onError...)
	onData := append([]func(*series.ChartDataset){}, c.onData...)
	c.mu.RUnlock()

	for _, h := range onMessage {
		h(frame)
	}

	switch frame.Kind {
	case KindAck:
		logrus.Infof("Subscription: Subscribed to %v", frame.SubscribedSymbols)
		ack := Ack{Symbols: frame.SubscribedSymbols, Message: frame.Message}
		for _, h := range onAck {
			h(ack)
		}
	case KindError:
		serverErr := dash_errors.NewServerError(frame.Error, frame.Details)
		logrus.Warnf("Subscription: Server reported: %v", serverErr)
		for _, h := range onError {
			h(serverErr)
		}
	case KindData:
		start := c.clock.Now()
		ds, err := series.Transform(frame.Data)
		if err != nil {
			logrus.Errorf("Subscription: Data frame rejected: %v", err)
			for _, h := range onError {
				h(err)
			}
			return
		}
		c.metrics.ObserveTransform(c.clock.Since(start), ds.Len())
		logrus.Debugf("Subscription: Data frame with %d rows, %d trade points", ds.Len(), len(ds.TradePoints))
		for _, h := range onData {
			h(ds)
		}
	case KindNotice:
		logrus.Infof("Subscription: Server notice (status %q): %s", frame.Status, frame.Message)
	default:
		logrus.Errorf("Subscription: Unhandled frame kind %v", frame.Kind)
	}
}
