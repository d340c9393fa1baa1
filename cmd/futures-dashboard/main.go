package main

import (
	"context"
	"fmt"
	stdlog "log" // Standard log for initial bootstrap
	"os"
	"os/signal"
	"syscall"
	"time"

	"futuresdash/go_src/configuration"
	"futuresdash/go_src/dashboard"
	"futuresdash/go_src/database"
	"futuresdash/go_src/futures_api"
	"futuresdash/go_src/logging_helper"
	"futuresdash/go_src/metrics"
	"futuresdash/go_src/mq_alerts"
	"futuresdash/go_src/scheduler"
	"futuresdash/go_src/token_store"
	"futuresdash/go_src/view_server"

	"github.com/sirupsen/logrus"
)

const (
	appName         = "futures-dashboard"
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// buildTokenSource picks the encrypted token file when both a file and the
// passphrase are available; otherwise requests go out without a token.
func buildTokenSource(cfg *configuration.Config) (futures_api.TokenSource, error) {
	passphrase := os.Getenv(configuration.TokenPassphraseEnv)
	if cfg.API.TokenFile == "" || passphrase == "" {
		logrus.Infof("No encrypted REST token configured (token_file set: %t, %s set: %t); requests are sent without auth.",
			cfg.API.TokenFile != "", configuration.TokenPassphraseEnv, passphrase != "")
		return token_store.StaticTokenSource(""), nil
	}
	saltFile := cfg.API.SaltFile
	if saltFile == "" {
		saltFile = cfg.API.TokenFile + ".salt"
	}
	src, err := token_store.NewFileTokenSource(cfg.API.TokenFile, saltFile, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open token file %s: %w", cfg.API.TokenFile, err)
	}
	return src, nil
}

// openLocalState opens DuckDB and prepares the instrument cache and alert log.
func openLocalState(cfg *configuration.Config) (*database.DashDB, *database.InstrumentCache, *database.AlertLog, error) {
	dashDB, err := database.NewDashDB(cfg, false)
	if err != nil {
		return nil, nil, nil, err
	}
	cache := database.NewInstrumentCache(dashDB)
	if err := cache.CreateSchema(); err != nil {
		dashDB.Close()
		return nil, nil, nil, fmt.Errorf("failed to create instrument cache schema: %w", err)
	}
	alertLog := database.NewAlertLog(dashDB)
	if err := alertLog.CreateSchema(); err != nil {
		dashDB.Close()
		return nil, nil, nil, fmt.Errorf("failed to create alert log schema: %w", err)
	}
	return dashDB, cache, alertLog, nil
}

func main() {
	stdlog.Printf("Starting %s application...", appName)

	configPath := configuration.ConfigPath()
	cfg, err := configuration.LoadConfig(configPath)
	if err != nil {
		stdlog.Fatalf("Failed to load configuration from %s: %v", configPath, err)
	}
	if err := cfg.ValidateConfig(); err != nil {
		stdlog.Fatalf("Invalid configuration in %s: %v", configPath, err)
	}
	stdlog.Println("Configuration loaded successfully.")

	logCloser, err := logging_helper.SetupLogging(cfg, appName)
	if err != nil {
		stdlog.Fatalf("Failed to setup logging: %v", err)
	}
	defer logCloser.Close()
	logrus.Info("Logging has been initialized.")

	m := metrics.New()

	// --- Local state ---
	dashDB, cache, alertLog, err := openLocalState(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize local database: %v", err)
	}
	defer dashDB.Close()
	logrus.Infof("Local database ready at %s", dashDB.Path())

	// --- REST client ---
	tokens, err := buildTokenSource(cfg)
	if err != nil {
		logrus.Fatalf("Failed to set up REST token: %v", err)
	}
	apiClient, err := futures_api.NewClient(cfg.API.BaseURL, time.Duration(cfg.API.TimeoutSeconds)*time.Second,
		cfg.API.Retries, tokens, cfg.API.AuthHeader, cfg.API.AuthPrefix)
	if err != nil {
		logrus.Fatalf("Failed to create REST client: %v", err)
	}
	apiClient.SetMetrics(m)

	deps := dashboard.Deps{
		Metrics:  m,
		API:      apiClient,
		Cache:    cache,
		AlertLog: alertLog,
	}

	// --- Alert publishing ---
	var publisher *mq_alerts.Publisher
	if cfg.RabbitMQ.Enabled {
		publisher, err = mq_alerts.NewPublisher(cfg)
		if err != nil {
			logrus.Fatalf("Failed to create alert publisher: %v", err)
		}
		deps.Publisher = publisher
		logrus.Infof("Alerts will be published to RabbitMQ queue '%s'", publisher.Queue())
	}

	dash, err := dashboard.New(cfg, deps)
	if err != nil {
		logrus.Fatalf("Failed to create dashboard: %v", err)
	}

	// A feed that is down at startup is not fatal: the operator can connect later.
	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	if err := dash.Start(startCtx); err != nil {
		logrus.Errorf("Feed connection not established at startup: %v", err)
	}
	cancel()

	// Warm the instrument cache; failures fall back to the cache and raise an alert.
	listCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	if list, err := dash.Instruments(listCtx); err != nil {
		logrus.Warnf("Instrument list unavailable at startup: %v", err)
	} else {
		logrus.Infof("Loaded %d instruments (cached: %t)", len(list.Items), list.Cached)
	}
	cancel()

	// --- Scheduler ---
	var sch *scheduler.Scheduler
	if cfg.SchedulerSettings.Enabled {
		sch, err = scheduler.New(cfg, dash, nil)
		if err != nil {
			logrus.Fatalf("Failed to create scheduler: %v", err)
		}
		sch.Start()
	}

	// --- View server ---
	var views *view_server.Server
	if cfg.ViewServer.Enabled {
		views, err = view_server.New(cfg, dash, apiClient, m)
		if err != nil {
			logrus.Fatalf("Failed to create view server: %v", err)
		}
		if err := views.Start(); err != nil {
			logrus.Fatalf("Failed to start view server: %v", err)
		}
	}

	logrus.Infof("%s running. Waiting for signal...", appName)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutdown signal received...")

	if views != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := views.Shutdown(ctx); err != nil {
			logrus.Errorf("View server shutdown error: %v", err)
		}
		cancel()
	}
	if sch != nil {
		if err := sch.Shutdown(); err != nil {
			logrus.Errorf("Scheduler shutdown error: %v", err)
		}
	}
	dash.Stop()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logrus.Errorf("Alert publisher close error: %v", err)
		}
	}
	logrus.Infof("%s shut down gracefully.", appName)
}
