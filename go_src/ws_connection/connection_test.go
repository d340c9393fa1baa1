package ws_connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"futuresdash/go_src/dash_errors"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const waitTimeout = 2 * time.Second

// --- fake transport ---

type fakeRead struct {
	messageType int
	data        []byte
	err         error
}

type fakeConn struct {
	reads     chan fakeRead
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	controls []int
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan fakeRead, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.reads:
		return r.messageType, r.data, r.err
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, messageType)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(text string) {
	c.reads <- fakeRead{messageType: websocket.TextMessage, data: []byte(text)}
}

func (c *fakeConn) drop(err error) {
	c.reads <- fakeRead{err: err}
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	urls  []string
	conns []*fakeConn

	gate   chan struct{} // when set, dials block until it is closed
	fail   func(n int) error
	dialed chan int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan int, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.urls = append(d.urls, url)
	gate, fail := d.gate, d.fail
	d.mu.Unlock()
	d.dialed <- n

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func waitDial(t *testing.T, d *fakeDialer) int {
	t.Helper()
	select {
	case n := <-d.dialed:
		return n
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a dial")
		return 0
	}
}

func expectNoDial(t *testing.T, d *fakeDialer) {
	t.Helper()
	select {
	case n := <-d.dialed:
		t.Fatalf("unexpected dial #%d", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func watchStates(m *Manager) <-chan State {
	ch := make(chan State, 64)
	m.OnStateChange(func(s State) { ch <- s })
	return ch
}

func waitState(t *testing.T, ch <-chan State, want State) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func blockUntilTimer(t *testing.T, fc *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("no reconnect timer armed: %v", err)
	}
}

func newTestManager(max int) (*Manager, *fakeDialer, *clockwork.FakeClock) {
	fc := clockwork.NewFakeClock()
	d := newFakeDialer()
	m := New(Options{
		BaseURL:              "ws://localhost:8000",
		PathPrefix:           "/ws",
		MaxReconnectAttempts: max,
		ReconnectDelay:       time.Second,
	}, fc, d)
	return m, d, fc
}

// --- tests ---

func TestBuildURL(t *testing.T) {
	tests := []struct {
		base, prefix, want string
	}{
		{"ws://localhost:8000", "/ws", "ws://localhost:8000/ws/client_1"},
		{"ws://localhost:8000/", "ws/", "ws://localhost:8000/ws/client_1"},
		{"wss://feed.example.com", "", "wss://feed.example.com/client_1"},
	}
	for _, tt := range tests {
		if got := BuildURL(tt.base, tt.prefix, "client_1"); got != tt.want {
			t.Errorf("BuildURL(%q, %q) = %q, want %q", tt.base, tt.prefix, got, tt.want)
		}
	}
}

func TestNewClientID(t *testing.T) {
	a, b := NewClientID(), NewClientID()
	if !strings.HasPrefix(a, "client_") || len(a) != len("client_")+12 {
		t.Errorf("unexpected client id format: %q", a)
	}
	if a == b {
		t.Errorf("client ids should differ, both %q", a)
	}
}

func TestConnect_ConcurrentCallsShareOneDial(t *testing.T) {
	m, d, _ := newTestManager(5)
	defer m.Stop()
	d.gate = make(chan struct{})

	errs := make(chan error, 2)
	go func() { errs <- m.Connect(context.Background()) }()
	waitDial(t, d)
	go func() { errs <- m.Connect(context.Background()) }()

	// give the second caller time to join the pending attempt
	time.Sleep(20 * time.Millisecond)
	if m.State() != Connecting {
		t.Fatalf("expected Connecting, got %s", m.State())
	}
	close(d.gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Connect returned error: %v", err)
		}
	}
	if d.count() != 1 {
		t.Errorf("expected exactly one dial, got %d", d.count())
	}
	if !m.IsConnected() {
		t.Errorf("manager should be connected")
	}
	if err := m.Connect(context.Background()); err != nil || d.count() != 1 {
		t.Errorf("Connect on an open manager must not dial again (err=%v, dials=%d)", err, d.count())
	}
}

func TestConnect_ConcurrentCallersShareFailure(t *testing.T) {
	m, d, _ := newTestManager(5)
	defer m.Stop()
	d.gate = make(chan struct{})
	d.fail = func(int) error { return errors.New("connection refused") }

	errs := make(chan error, 2)
	go func() { errs <- m.Connect(context.Background()) }()
	waitDial(t, d)
	go func() { errs <- m.Connect(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(d.gate)

	first, second := <-errs, <-errs
	if first == nil || second == nil {
		t.Fatalf("both callers should fail, got %v / %v", first, second)
	}
	if first != second {
		t.Errorf("callers should see the same error, got %v / %v", first, second)
	}
	if m.State() != Closed {
		t.Errorf("failed operator connect should leave Closed, got %s", m.State())
	}
	if d.count() != 1 {
		t.Errorf("expected one dial, got %d", d.count())
	}
	expectNoDial(t, d)
}

func TestDisconnect_SuppressesReconnect(t *testing.T) {
	m, d, fc := newTestManager(5)
	defer m.Stop()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitDial(t, d)
	conn := d.conn(0)

	m.Disconnect()
	m.Disconnect() // second call is a no-op

	if m.State() != Closed || m.IsConnected() {
		t.Fatalf("expected Closed and not connected, got %s", m.State())
	}
	conn.mu.Lock()
	controls := append([]int(nil), conn.controls...)
	conn.mu.Unlock()
	if len(controls) != 1 || controls[0] != websocket.CloseMessage {
		t.Errorf("expected one close frame, got %v", controls)
	}

	fc.Advance(time.Hour)
	expectNoDial(t, d)
	if m.ReconnectAttempts() != 0 {
		t.Errorf("no reconnect attempts expected, got %d", m.ReconnectAttempts())
	}
}

func TestAbruptClose_ReconnectsWithLinearBackoff(t *testing.T) {
	m, d, fc := newTestManager(5)
	defer m.Stop()
	states := watchStates(m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitDial(t, d)
	waitState(t, states, Open)

	d.conn(0).drop(io.ErrUnexpectedEOF)
	waitState(t, states, Reconnecting)
	blockUntilTimer(t, fc)
	if m.ReconnectAttempts() != 1 {
		t.Fatalf("expected attempt 1, got %d", m.ReconnectAttempts())
	}

	fc.Advance(999 * time.Millisecond)
	expectNoDial(t, d)
	fc.Advance(time.Millisecond)
	waitDial(t, d)
	waitState(t, states, Open)

	if m.ReconnectAttempts() != 0 {
		t.Errorf("successful reconnect should reset attempts, got %d", m.ReconnectAttempts())
	}
	d.mu.Lock()
	urls := append([]string(nil), d.urls...)
	d.mu.Unlock()
	if urls[0] != urls[1] || !strings.HasSuffix(urls[1], "/ws/"+m.ClientID()) {
		t.Errorf("client id must persist across reconnects: %v", urls)
	}
}

func TestReconnect_StopsAtCap(t *testing.T) {
	const max = 3
	m, d, fc := newTestManager(max)
	defer m.Stop()
	states := watchStates(m)
	d.fail = func(n int) error {
		if n > 1 {
			return errors.New("connection refused")
		}
		return nil
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitDial(t, d)
	d.conn(0).drop(io.ErrUnexpectedEOF)

	for attempt := 1; attempt <= max; attempt++ {
		blockUntilTimer(t, fc)
		if got := m.ReconnectAttempts(); got != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, got)
		}
		fc.Advance(time.Duration(attempt) * time.Second)
		waitDial(t, d)
	}
	waitState(t, states, Lost)

	fc.Advance(time.Hour)
	expectNoDial(t, d)
	if d.count() != 1+max {
		t.Errorf("expected %d dials, got %d", 1+max, d.count())
	}
	if m.State() != Lost || m.IsConnected() {
		t.Errorf("expected Lost, got %s", m.State())
	}

	// An explicit connect leaves the terminal state.
	d.mu.Lock()
	d.fail = nil
	d.mu.Unlock()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("operator Connect after Lost: %v", err)
	}
	if !m.IsConnected() {
		t.Errorf("expected connected after operator Connect")
	}
}

func TestServerNormalClose_NoReconnect(t *testing.T) {
	m, d, fc := newTestManager(5)
	defer m.Stop()
	states := watchStates(m)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitDial(t, d)

	d.conn(0).drop(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"})
	waitState(t, states, Closed)
	fc.Advance(time.Hour)
	expectNoDial(t, d)
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	m, d, fc := newTestManager(5)
	defer m.Stop()
	states := watchStates(m)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitDial(t, d)
	d.conn(0).drop(io.ErrUnexpectedEOF)
	waitState(t, states, Reconnecting)
	blockUntilTimer(t, fc)

	m.Disconnect()
	fc.Advance(time.Hour)
	expectNoDial(t, d)
	if m.State() != Closed {
		t.Errorf("expected Closed, got %s", m.State())
	}
}

func TestSend(t *testing.T) {
	m, d, _ := newTestManager(5)
	defer m.Stop()

	err := m.Send(map[string]string{"a": "b"})
	if !errors.Is(err, dash_errors.ErrNotConnected) {
		t.Fatalf("Send before connect: expected ErrNotConnected, got %v", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitDial(t, d)
	if err := m.Send(map[string]string{"a": "b"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	conn := d.conn(0)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.written) != 1 || string(conn.written[0]) != `{"a":"b"}` {
		t.Errorf("unexpected frames written: %q", conn.written)
	}

	if err := m.Send(func() {}); err == nil || errors.Is(err, dash_errors.ErrNotConnected) {
		t.Errorf("unencodable value should fail with an encode error, got %v", err)
	}
}

func TestFramesDispatchedInOrder(t *testing.T) {
	m, d, _ := newTestManager(5)
	defer m.Stop()

	got := make(chan string, 8)
	m.OnFrame(func(b []byte) { got <- "first:" + string(b) })
	m.OnFrame(func(b []byte) { got <- "second:" + string(b) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitDial(t, d)
	conn := d.conn(0)
	conn.push("1")
	conn.reads <- fakeRead{messageType: websocket.BinaryMessage, data: []byte{0x1}}
	conn.push("2")

	want := []string{"first:1", "second:1", "first:2", "second:2"}
	for i, w := range want {
		select {
		case g := <-got:
			if g != w {
				t.Errorf("dispatch %d: got %q, want %q", i, g, w)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for dispatch %d", i)
		}
	}
}

func TestManager_AgainstGorillaServer(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	paths := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("Upgrade error: %v", err)
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Errorf("server received invalid JSON: %v", err)
			return
		}
		reply, _ := json.Marshal(map[string]any{"status": "success", "echo": req["request_id"]})
		conn.WriteMessage(websocket.TextMessage, reply)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.ReadMessage()
	}))
	defer server.Close()

	m := New(Options{
		BaseURL:    "ws" + strings.TrimPrefix(server.URL, "http"),
		PathPrefix: "/ws",
	}, clockwork.NewFakeClock(), nil)
	defer m.Stop()
	states := watchStates(m)
	frames := make(chan []byte, 1)
	m.OnFrame(func(b []byte) { frames <- b })

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p := <-paths; p != "/ws/"+m.ClientID() {
		t.Errorf("server saw path %q, want /ws/%s", p, m.ClientID())
	}
	if err := m.Send(map[string]string{"request_id": "req_1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case b := <-frames:
		if !strings.Contains(string(b), `"echo":"req_1"`) {
			t.Errorf("unexpected reply %s", b)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for reply")
	}
	waitState(t, states, Closed)
	if m.State() != Closed {
		t.Errorf("normal server close should end in Closed, got %s", m.State())
	}
}

func TestConnect_DialErrorFromServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	m := New(Options{BaseURL: "ws" + strings.TrimPrefix(server.URL, "http")}, clockwork.NewFakeClock(), nil)
	defer m.Stop()
	err := m.Connect(context.Background())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error should carry the HTTP status, got %v", err)
	}
	if m.State() != Closed {
		t.Errorf("expected Closed, got %s", m.State())
	}
}
