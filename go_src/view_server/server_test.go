package view_server

import (
	"bufio"
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

	"futuresdash/go_src/configuration"
	"futuresdash/go_src/dash_errors"
	"futuresdash/go_src/dashboard"
	"futuresdash/go_src/database"
	"futuresdash/go_src/futures_api"
	"futuresdash/go_src/metrics"
	"futuresdash/go_src/series"

	"github.com/jonboulle/clockwork"
)

const tradesDoc = `[
	{"Timestamp":"2025-08-29 09:30","Open":5200,"High":5205,"Low":5198,"Close":5201,"deal_type":1,"deal_count":1,"Price":5200,"id":"t1","strategy_type":1},
	{"Timestamp":"2025-08-29 09:31","Open":5201,"High":5212,"Low":5200,"Close":5210,"deal_type":-1,"deal_count":1,"Price":5210,"id":"t1","strategy_type":-1},
	{"Timestamp":"2025-08-29 09:32","Open":5210,"High":5215,"Low":5207,"Close":5214,"deal_type":"SELL","deal_count":2,"Price":5214,"id":"t2","strategy_type":0}
]`

// mockFuturesAPI records calls and returns canned results.
type mockFuturesAPI struct {
	mu      sync.Mutex
	calls   []string
	err     error
	deleted []string
}

func (m *mockFuturesAPI) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.err
}

func (m *mockFuturesAPI) GetFuture(ctx context.Context, id string) (*futures_api.Future, error) {
	if err := m.record("get " + id); err != nil {
		return nil, err
	}
	return &futures_api.Future{ID: id, Symbol: "IF2509", PricePerPoint: 300}, nil
}

func (m *mockFuturesAPI) CreateFuture(ctx context.Context, in futures_api.FutureInput) (*futures_api.Future, error) {
	if err := m.record("create " + *in.Symbol); err != nil {
		return nil, err
	}
	return &futures_api.Future{ID: "9", Symbol: *in.Symbol, PricePerPoint: *in.PricePerPoint}, nil
}

func (m *mockFuturesAPI) UpdateFuture(ctx context.Context, id string, in futures_api.FutureInput) (*futures_api.Future, error) {
	if err := m.record("update " + id); err != nil {
		return nil, err
	}
	f := &futures_api.Future{ID: id, Symbol: "IF2509", PricePerPoint: 300}
	if in.PricePerPoint != nil {
		f.PricePerPoint = *in.PricePerPoint
	}
	return f, nil
}

func (m *mockFuturesAPI) DeleteFuture(ctx context.Context, id string) error {
	return m.record("delete " + id)
}

func (m *mockFuturesAPI) DeleteFutures(ctx context.Context, ids []string) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, ids...)
	m.mu.Unlock()
	return m.record("batch-delete")
}

func getTestConfig() *configuration.Config {
	return &configuration.Config{
		WebSocket: configuration.WebSocketConfig{
			BaseURL:               "ws://127.0.0.1:1",
			PathPrefix:            "/ws",
			MaxReconnectAttempts:  1,
			ReconnectDelayMs:      1000,
			RequestTimeoutSeconds: 30,
		},
		SchedulerSettings: configuration.SchedulerSettings{Timezone: "UTC"},
		ViewServer:        configuration.ViewServer{Enabled: true, ListenAddr: "127.0.0.1:0"},
	}
}

func setupServer(t *testing.T, api FuturesAPI) (*Server, *dashboard.Dashboard) {
	t.Helper()
	cfg := getTestConfig()
	m := metrics.New()
	dash, err := dashboard.New(cfg, dashboard.Deps{Clock: clockwork.NewFakeClock(), Metrics: m})
	if err != nil {
		t.Fatalf("dashboard.New failed: %v", err)
	}
	t.Cleanup(dash.Stop)
	srv, err := New(cfg, dash, api, m)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return srv, dash
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
}

func loadTrades(t *testing.T, dash *dashboard.Dashboard) {
	t.Helper()
	ds, err := series.TransformBytes([]byte(tradesDoc))
	if err != nil {
		t.Fatalf("TransformBytes failed: %v", err)
	}
	dash.Store().SetChartData(ds)
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, nil, nil, nil); err == nil {
		t.Error("Expected error for nil config")
	}
	if _, err := New(getTestConfig(), nil, nil, nil); err == nil {
		t.Error("Expected error for nil dashboard")
	}
}

func TestStatusAndChart(t *testing.T) {
	srv, dash := setupServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	var st dashboard.Status
	decode(t, rec, &st)
	if st.Connected || st.State != "idle" || !strings.Contains(st.URL, "/ws/client_") {
		t.Errorf("Unexpected status: %+v", st)
	}

	rec = do(t, srv, http.MethodGet, "/api/chart", "")
	var empty series.ChartDataset
	decode(t, rec, &empty)
	if empty.XAxis == nil || len(empty.XAxis) != 0 {
		t.Errorf("Expected empty (not null) axis before data, got %s", rec.Body.String())
	}

	loadTrades(t, dash)
	rec = do(t, srv, http.MethodGet, "/api/chart", "")
	var ds series.ChartDataset
	decode(t, rec, &ds)
	if len(ds.XAxis) != 3 || len(ds.TradePoints) != 3 {
		t.Errorf("Expected 3 rows and 3 trade points, got %+v", ds)
	}
}

func TestPostQuery(t *testing.T) {
	srv, _ := setupServer(t, nil)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"symbols":`, http.StatusBadRequest},
		{"no symbols", `{"symbols":[]}`, http.StatusBadRequest},
		{"empty symbol", `{"symbols":[{"symbol":"","price_per_point":300}]}`, http.StatusBadRequest},
		{"bad window", `{"symbols":[{"symbol":"IF2509","price_per_point":300}],"start_date_show":"29/08/2025"}`, http.StatusBadRequest},
		{"inverted window", `{"symbols":[{"symbol":"IF2509","price_per_point":300}],"start_date_pl":"2025-08-29 10:00","end_date_pl":"2025-08-29 09:00"}`, http.StatusBadRequest},
		{"not connected", `{"symbols":[{"symbol":"IF2509","price_per_point":300}],"start_date_show":"2025-08-29 09:30"}`, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/api/query", tc.body)
			if rec.Code != tc.want {
				t.Errorf("Expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestTradePair(t *testing.T) {
	srv, dash := setupServer(t, nil)
	loadTrades(t, dash)

	rec := do(t, srv, http.MethodGet, "/api/trades/0/pair", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var pair struct {
		Paired      bool               `json:"paired"`
		PairedIndex int                `json:"paired_index"`
		Hedged      bool               `json:"hedged"`
		Marker      series.TradePoint  `json:"marker"`
		PairedLeg   *series.TradePoint `json:"paired_marker"`
	}
	decode(t, rec, &pair)
	if !pair.Paired || pair.PairedIndex != 1 || !pair.Hedged || pair.PairedLeg == nil || pair.PairedLeg.Price != 5210 {
		t.Errorf("Unexpected pair for marker 0: %+v", pair)
	}

	rec = do(t, srv, http.MethodGet, "/api/trades/2/pair", "")
	pair.PairedLeg = nil
	decode(t, rec, &pair)
	if pair.Paired || pair.PairedIndex != -1 || pair.Hedged || pair.Marker.Count != 2 {
		t.Errorf("Unexpected pair for marker 2: %+v", pair)
	}

	if rec := do(t, srv, http.MethodGet, "/api/trades/3/pair", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 past the last marker, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/api/trades/x/pair", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-numeric index, got %d", rec.Code)
	}
}

func TestConnectFailureAndDisconnect(t *testing.T) {
	srv, _ := setupServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/connect", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 when the feed is unreachable, got %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/api/disconnect", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from disconnect, got %d", rec.Code)
	}
}

type failingSource struct{}

func (failingSource) ListFutures(ctx context.Context) ([]futures_api.Future, error) {
	return nil, errors.New("connection refused")
}

func (failingSource) SearchFutures(ctx context.Context, keyword string) ([]futures_api.Future, error) {
	return nil, errors.New("connection refused")
}

func TestAlertsRoutes(t *testing.T) {
	tdb, err := database.NewDashDB(nil, true)
	if err != nil {
		t.Fatalf("NewDashDB failed: %v", err)
	}
	defer tdb.Close()
	cache := database.NewInstrumentCache(tdb)
	if err := cache.CreateSchema(); err != nil {
		t.Fatalf("CreateSchema failed: %v", err)
	}

	cfg := getTestConfig()
	dash, err := dashboard.New(cfg, dashboard.Deps{Clock: clockwork.NewFakeClock(), API: failingSource{}, Cache: cache})
	if err != nil {
		t.Fatalf("dashboard.New failed: %v", err)
	}
	defer dash.Stop()
	srv, err := New(cfg, dash, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// The server is down: the (empty) cache is served and a warning raised.
	rec := do(t, srv, http.MethodGet, "/api/futures", "")
	var list dashboard.InstrumentList
	decode(t, rec, &list)
	if rec.Code != http.StatusOK || !list.Cached {
		t.Fatalf("Expected cached list, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/api/alerts", "")
	var alerts []dashboard.Alert
	decode(t, rec, &alerts)
	if len(alerts) != 1 || alerts[0].Source != dashboard.SourceInstrument {
		t.Fatalf("Expected one instruments alert, got %+v", alerts)
	}

	if rec := do(t, srv, http.MethodDelete, "/api/alerts/"+alerts[0].ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 on dismissal, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodDelete, "/api/alerts/"+alerts[0].ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second dismissal, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for /metrics without a registry, got %d", rec.Code)
	}
}

func TestFuturesProxy(t *testing.T) {
	api := &mockFuturesAPI{}
	srv, _ := setupServer(t, api)

	rec := do(t, srv, http.MethodGet, "/api/futures/7", "")
	var f futures_api.Future
	decode(t, rec, &f)
	if rec.Code != http.StatusOK || f.ID != "7" {
		t.Errorf("get: %d %+v", rec.Code, f)
	}

	rec = do(t, srv, http.MethodPost, "/api/futures", `{"symbol":"IC2509","price_per_point":200}`)
	decode(t, rec, &f)
	if rec.Code != http.StatusCreated || f.Symbol != "IC2509" || f.PricePerPoint != 200 {
		t.Errorf("create: %d %+v", rec.Code, f)
	}
	if rec := do(t, srv, http.MethodPost, "/api/futures", `{"symbol":"IC2509"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("create without price: expected 400, got %d", rec.Code)
	}

	rec = do(t, srv, http.MethodPut, "/api/futures/7", `{"price_per_point":250.5}`)
	decode(t, rec, &f)
	if rec.Code != http.StatusOK || f.PricePerPoint != 250.5 {
		t.Errorf("update: %d %+v", rec.Code, f)
	}

	if rec := do(t, srv, http.MethodDelete, "/api/futures/7", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/api/futures/batch-delete", `{"ids":[]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch delete: expected 400, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/api/futures/batch-delete", `{"ids":["1","2"]}`); rec.Code != http.StatusNoContent {
		t.Errorf("batch delete: expected 204, got %d", rec.Code)
	}
	if len(api.deleted) != 2 {
		t.Errorf("Expected 2 ids forwarded, got %v", api.deleted)
	}

	// The list goes through the dashboard, which has no source here.
	if rec := do(t, srv, http.MethodGet, "/api/futures", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("list without source: expected 503, got %d", rec.Code)
	}
}

func TestFuturesProxy_ErrorMapping(t *testing.T) {
	api := &mockFuturesAPI{}
	srv, _ := setupServer(t, api)

	api.err = &dash_errors.APIRequestError{Method: "GET", Endpoint: "/futures/7", StatusCode: 404, Message: "not found"}
	if rec := do(t, srv, http.MethodGet, "/api/futures/7", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected upstream 404 to pass through, got %d", rec.Code)
	}
	api.err = &dash_errors.APIRequestError{Method: "GET", Endpoint: "/futures/7", StatusCode: 500, Message: "db down"}
	if rec := do(t, srv, http.MethodGet, "/api/futures/7", ""); rec.Code != http.StatusBadGateway {
		t.Errorf("Expected upstream 500 to become 502, got %d", rec.Code)
	}
	api.err = errors.New("dial tcp: connection refused")
	if rec := do(t, srv, http.MethodDelete, "/api/futures/7", ""); rec.Code != http.StatusBadGateway {
		t.Errorf("Expected transport failure to become 502, got %d", rec.Code)
	}

	noAPI, _ := setupServer(t, nil)
	if rec := do(t, noAPI, http.MethodGet, "/api/futures/7", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without API client, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupServer(t, nil)
	rec := do(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "futuresdash_") {
		t.Errorf("Expected futuresdash metrics in exposition, got:\n%s", rec.Body.String())
	}
}

// readEvent returns the data line of the next SSE event.
func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("stream read failed: %v", err)
		}
		if strings.HasPrefix(line, "data:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestChartStream(t *testing.T) {
	srv, dash := setupServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/chart/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Expected event-stream content type, got %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	var first series.ChartDataset
	if err := json.Unmarshal([]byte(readEvent(t, r)), &first); err != nil {
		t.Fatalf("bad first event: %v", err)
	}
	if len(first.XAxis) != 0 {
		t.Errorf("Expected the empty dataset first, got %d rows", len(first.XAxis))
	}
	if n := dash.Store().ListenerCount(); n != 1 {
		t.Errorf("Expected one listener while streaming, got %d", n)
	}

	loadTrades(t, dash)
	var next series.ChartDataset
	if err := json.Unmarshal([]byte(readEvent(t, r)), &next); err != nil {
		t.Fatalf("bad update event: %v", err)
	}
	if len(next.XAxis) != 3 {
		t.Errorf("Expected 3 rows in update, got %d", len(next.XAxis))
	}

	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for dash.Store().ListenerCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener not removed after the client went away")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartAndShutdown(t *testing.T) {
	srv, _ := setupServer(t, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/api/status")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestShutdown_EndsOpenChartStreams(t *testing.T) {
	srv, dash := setupServer(t, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/api/chart/stream")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	readEvent(t, bufio.NewReader(resp.Body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown with an open stream failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown took %v with an open stream", elapsed)
	}
	if n := dash.Store().ListenerCount(); n != 0 {
		t.Errorf("Expected the stream listener to be removed, got %d", n)
	}
}
