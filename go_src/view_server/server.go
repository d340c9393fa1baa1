package view_server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"futuresdash/go_src/configuration"
	"futuresdash/go_src/dashboard"
	"futuresdash/go_src/futures_api"
	"futuresdash/go_src/metrics"
	"futuresdash/go_src/view_state"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	readHeaderTimeout = 10 * time.Second
	connectTimeout    = 15 * time.Second
)

// Dashboard is what the views read from and act on.
type Dashboard interface {
	Status() dashboard.Status
	Store() *view_state.Store
	Location() *time.Location
	Query(q dashboard.Query) error
	Connect(ctx context.Context) error
	Disconnect()
	Alerts() []dashboard.Alert
	DismissAlert(id string) bool
	Instruments(ctx context.Context) (dashboard.InstrumentList, error)
	SearchInstruments(ctx context.Context, keyword string) (dashboard.InstrumentList, error)
}

// FuturesAPI is the write side of the instrument REST resource.
type FuturesAPI interface {
	GetFuture(ctx context.Context, id string) (*futures_api.Future, error)
	CreateFuture(ctx context.Context, in futures_api.FutureInput) (*futures_api.Future, error)
	UpdateFuture(ctx context.Context, id string, in futures_api.FutureInput) (*futures_api.Future, error)
	DeleteFuture(ctx context.Context, id string) error
	DeleteFutures(ctx context.Context, ids []string) error
}

// Server is the HTTP surface browser views use.
type Server struct {
	cfg     *configuration.Config
	dash    Dashboard
	api     FuturesAPI
	metrics *metrics.Metrics
	engine  *gin.Engine

	httpSrv    *http.Server
	listener   net.Listener
	cancelBase context.CancelFunc
}

// New builds the router. api and m may be nil; the matching routes then
// answer 503 and 404 respectively.
func New(cfg *configuration.Config, dash Dashboard, api FuturesAPI, m *metrics.Metrics) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("configuration cannot be nil")
	}
	if dash == nil {
		return nil, errors.New("dashboard cannot be nil")
	}
	if !cfg.ViewServer.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		dash:    dash,
		api:     api,
		metrics: m,
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")

	api.GET("/status", s.getStatus)
	api.POST("/connect", s.postConnect)
	api.POST("/disconnect", s.postDisconnect)

	api.GET("/chart", s.getChart)
	api.GET("/chart/stream", s.streamChart)
	api.POST("/query", s.postQuery)
	api.GET("/trades/:index/pair", s.getTradePair)

	api.GET("/alerts", s.getAlerts)
	api.DELETE("/alerts/:id", s.deleteAlert)

	futures := api.Group("/futures")
	futures.GET("", s.listFutures)
	futures.POST("", s.createFuture)
	futures.POST("/batch-delete", s.batchDeleteFutures)
	futures.GET("/:id", s.getFuture)
	futures.PUT("/:id", s.updateFuture)
	futures.DELETE("/:id", s.deleteFuture)

	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves in the background.
// Listen errors are returned; serve errors are logged.
func (s *Server) Start() error {
	addr := s.cfg.ViewServer.ListenAddr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	base, cancel := context.WithCancel(context.Background())
	s.cancelBase = cancel
	s.httpSrv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("ViewServer: Serve failed: %v", err)
		}
	}()
	logrus.Infof("ViewServer: Listening on %s", ln.Addr())
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for active ones until ctx ends.
// Request contexts derive from a base context cancelled here, so open chart
// streams return instead of holding the shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.cancelBase()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("view server shutdown: %w", err)
	}
	logrus.Info("ViewServer: Shut down.")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("ViewServer: Request served")
	}
}
