package scheduler

import (
	"errors"
	"fmt"
	"time"

	"futuresdash/go_src/configuration"
	"futuresdash/go_src/dash_errors"
	"futuresdash/go_src/dashboard"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	jobRefreshName = "JobRefreshLastQuery"
	jobStatusName  = "JobReportConnectionStatus"
)

// Dashboard is the part of the dashboard the jobs drive.
type Dashboard interface {
	Refresh() error
	Status() dashboard.Status
}

// --- Job Functions ---

// JobRefreshLastQuery re-issues the last query so the chart follows the market.
// Having no query yet, or no connection, is expected and only logged.
func JobRefreshLastQuery(dash Dashboard) {
	logrus.Debug("Scheduler: Running JobRefreshLastQuery")
	err := dash.Refresh()
	switch {
	case err == nil:
		logrus.Infof("JobRefreshLastQuery: Last query re-issued.")
	case errors.Is(err, dashboard.ErrNoQuery):
		logrus.Debug("JobRefreshLastQuery: No query issued yet, skipping.")
	case errors.Is(err, dash_errors.ErrNotConnected):
		logrus.Warn("JobRefreshLastQuery: Feed not connected, skipping refresh.")
	default:
		logrus.Errorf("JobRefreshLastQuery: Failed to re-issue query: %v", err)
	}
}

// JobReportConnectionStatus logs a one-line summary of the connection and query state.
func JobReportConnectionStatus(dash Dashboard) {
	st := dash.Status()
	fields := logrus.Fields{
		"state":              st.State,
		"client_id":          st.ClientID,
		"reconnect_attempts": st.ReconnectAttempts,
		"loading":            st.Loading,
		"timed_out":          st.TimedOut,
		"rows":               st.Rows,
		"active_alerts":      st.ActiveAlerts,
	}
	if st.LastDataAt != nil {
		fields["last_data_at"] = st.LastDataAt.Format(time.RFC3339)
	}
	entry := logrus.WithFields(fields)
	if st.Connected {
		entry.Info("JobReportConnectionStatus: Feed connected.")
	} else {
		entry.Warn("JobReportConnectionStatus: Feed not connected.")
	}
}

// Scheduler runs the periodic dashboard jobs on a gocron scheduler.
type Scheduler struct {
	s        gocron.Scheduler
	location *time.Location
	jobs     []string
}

// New creates the scheduler and registers the jobs whose interval is positive.
// clock may be nil for the real clock.
func New(cfg *configuration.Config, dash Dashboard, clock clockwork.Clock) (*Scheduler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}
	if dash == nil {
		return nil, fmt.Errorf("dashboard is nil")
	}

	if cfg.SchedulerSettings.Timezone == "" {
		logrus.Warnf("Scheduler: 'scheduler_settings.timezone' is empty, using local time.")
	}
	location, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	opts := []gocron.SchedulerOption{gocron.WithLocation(location)}
	if clock != nil {
		opts = append(opts, gocron.WithClock(clock))
	}
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	sch := &Scheduler{s: s, location: location}

	if secs := cfg.SchedulerSettings.RefreshIntervalSeconds; secs > 0 {
		if err := sch.add(jobRefreshName, time.Duration(secs)*time.Second, JobRefreshLastQuery, dash); err != nil {
			return nil, err
		}
	}
	if secs := cfg.SchedulerSettings.StatusIntervalSeconds; secs > 0 {
		if err := sch.add(jobStatusName, time.Duration(secs)*time.Second, JobReportConnectionStatus, dash); err != nil {
			return nil, err
		}
	}
	logrus.Infof("Scheduler: Created in timezone %s with jobs %v", location, sch.jobs)
	return sch, nil
}

// Location is the zone jobs are scheduled in.
func (sch *Scheduler) Location() *time.Location {
	return sch.location
}

func (sch *Scheduler) add(name string, every time.Duration, fn func(Dashboard), dash Dashboard) error {
	_, err := sch.s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(fn, dash),
		gocron.WithName(name),
		// A slow run is never stacked with the next one.
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		if shutdownErr := sch.s.Shutdown(); shutdownErr != nil {
			logrus.Debugf("Scheduler: Shutdown after failed registration: %v", shutdownErr)
		}
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	sch.jobs = append(sch.jobs, name)
	logrus.Infof("Scheduler: %s scheduled every %v.", name, every)
	return nil
}

// Jobs returns the names of the registered jobs.
func (sch *Scheduler) Jobs() []string {
	return append([]string(nil), sch.jobs...)
}

// RunNow triggers the named job outside its schedule.
func (sch *Scheduler) RunNow(name string) error {
	for _, j := range sch.s.Jobs() {
		if j.Name() == name {
			return j.RunNow()
		}
	}
	return fmt.Errorf("no job named %q", name)
}

// Start starts the scheduler asynchronously.
func (sch *Scheduler) Start() {
	sch.s.Start()
	logrus.Info("Scheduler: Started.")
}

// Shutdown stops the scheduler and waits for running jobs.
func (sch *Scheduler) Shutdown() error {
	if err := sch.s.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	logrus.Info("Scheduler: Shut down gracefully.")
	return nil
}
