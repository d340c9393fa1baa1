package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"futuresdash/go_src/configuration"
	"futuresdash/go_src/database"
	"futuresdash/go_src/futures_api"
	"futuresdash/go_src/metrics"
	"futuresdash/go_src/mq_alerts"
	"futuresdash/go_src/subscription"
	"futuresdash/go_src/view_state"
	"futuresdash/go_src/ws_connection"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// AlertPublisher forwards alerts to an external channel, e.g. RabbitMQ.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, a mq_alerts.Alert) error
}

// InstrumentSource lists instruments from the REST server.
type InstrumentSource interface {
	ListFutures(ctx context.Context) ([]futures_api.Future, error)
	SearchFutures(ctx context.Context, keyword string) ([]futures_api.Future, error)
}

// Deps are the optional collaborators of a Dashboard. Nil fields disable the
// matching feature, except Clock and Dialer which fall back to real ones.
type Deps struct {
	Clock     clockwork.Clock
	Dialer    ws_connection.Dialer
	Metrics   *metrics.Metrics
	API       InstrumentSource
	Cache     *database.InstrumentCache
	AlertLog  *database.AlertLog
	Publisher AlertPublisher
}

// Dashboard ties one feed connection to the shared chart store and keeps the
// UI-facing state: loading flag, advisory timeout, alerts, last query.
type Dashboard struct {
	cfg       *configuration.Config
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	conn      *ws_connection.Manager
	client    *subscription.Client
	store     *view_state.Store
	api       InstrumentSource
	cache     *database.InstrumentCache
	alertLog  *database.AlertLog
	publisher AlertPublisher

	timeout time.Duration
	loc     *time.Location

	mu         sync.Mutex
	loading    bool
	timedOut   bool
	seq        uint64 // identifies the query the armed timer belongs to
	timer      clockwork.Timer
	lastQuery  *Query
	lastDataAt time.Time
	alerts     []Alert

	publishWG sync.WaitGroup
}

// Status is a snapshot of the connection and query state.
type Status struct {
	State             string     `json:"state"`
	Connected         bool       `json:"connected"`
	ClientID          string     `json:"client_id"`
	URL               string     `json:"url"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	Loading           bool       `json:"loading"`
	TimedOut          bool       `json:"timed_out"`
	LastRequestID     string     `json:"last_request_id,omitempty"`
	LastDataAt        *time.Time `json:"last_data_at,omitempty"`
	Rows              int        `json:"rows"`
	ActiveAlerts      int        `json:"active_alerts"`
}

// New builds a Dashboard from cfg. Nothing is dialed until Start.
func New(cfg *configuration.Config, deps Deps) (*Dashboard, error) {
	if cfg == nil {
		return nil, errors.New("configuration cannot be nil")
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	conn := ws_connection.New(ws_connection.Options{
		BaseURL:              cfg.WebSocket.BaseURL,
		PathPrefix:           cfg.WebSocket.PathPrefix,
		MaxReconnectAttempts: cfg.WebSocket.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay(),
		WriteTimeout:         time.Duration(cfg.WebSocket.WriteTimeoutSeconds) * time.Second,
	}, clock, deps.Dialer)

	d := &Dashboard{
		cfg:       cfg,
		clock:     clock,
		metrics:   deps.Metrics,
		conn:      conn,
		client:    subscription.New(conn, clock, deps.Metrics),
		store:     view_state.New(),
		api:       deps.API,
		cache:     deps.Cache,
		alertLog:  deps.AlertLog,
		publisher: deps.Publisher,
		timeout:   cfg.RequestTimeout(),
		loc:       loc,
	}
	if d.timeout <= 0 {
		d.timeout = 30 * time.Second
	}

	d.store.OnListenersChanged(d.metrics.SetListeners)
	conn.OnStateChange(d.handleState)
	d.client.OnMessage(d.handleFrame)
	d.client.OnData(d.store.SetChartData)
	d.client.OnError(d.handleError)
	d.client.OnAck(func(ack subscription.Ack) {
		logrus.Infof("Dashboard: Server confirmed %d symbol(s)", len(ack.Symbols))
	})
	d.metrics.ObserveState(int(conn.State()), conn.State().String())

	logrus.Infof("Dashboard: Created for %s (request timeout %v)", conn.URL(), d.timeout)
	return d, nil
}

// Start opens the feed connection.
func (d *Dashboard) Start(ctx context.Context) error {
	if err := d.conn.Start(ctx); err != nil {
		return fmt.Errorf("failed to start feed connection: %w", err)
	}
	return nil
}

// Stop cancels the advisory timer, closes the connection and waits for pending
// alert publications.
func (d *Dashboard) Stop() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.conn.Stop()
	d.publishWG.Wait()
	logrus.Info("Dashboard: Stopped.")
}

// Connect is the operator's connect action.
func (d *Dashboard) Connect(ctx context.Context) error {
	return d.conn.Connect(ctx)
}

// Disconnect is the operator's disconnect action; no reconnect follows.
func (d *Dashboard) Disconnect() {
	d.conn.Disconnect()
}

// Store returns the shared chart store.
func (d *Dashboard) Store() *view_state.Store {
	return d.store
}

// Client returns the subscription client.
func (d *Dashboard) Client() *subscription.Client {
	return d.client
}

// Location is the zone query windows are interpreted in.
func (d *Dashboard) Location() *time.Location {
	return d.loc
}

// Status returns the current connection and query state.
func (d *Dashboard) Status() Status {
	state := d.conn.State()
	st := Status{
		State:             state.String(),
		Connected:         d.conn.IsConnected(),
		ClientID:          d.conn.ClientID(),
		URL:               d.conn.URL(),
		ReconnectAttempts: d.conn.ReconnectAttempts(),
		Rows:              d.store.GetChartData().Len(),
	}
	if req, ok := d.client.LastRequest(); ok {
		st.LastRequestID = req.RequestID
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	st.Loading = d.loading
	st.TimedOut = d.timedOut
	if !d.lastDataAt.IsZero() {
		t := d.lastDataAt
		st.LastDataAt = &t
	}
	st.ActiveAlerts = len(d.alerts)
	return st
}

func (d *Dashboard) handleState(s ws_connection.State) {
	d.metrics.ObserveState(int(s), s.String())
	logrus.Debugf("Dashboard: Connection state is now %s", s)
	if s == ws_connection.Lost {
		d.raiseAlert(LevelError, SourceConnection,
			fmt.Sprintf("connection lost after %d reconnect attempts", d.conn.ReconnectAttempts()), nil)
	}
}
