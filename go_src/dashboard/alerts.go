package dashboard

import (
	"context"
	"time"

	"futuresdash/go_src/database"
	"futuresdash/go_src/mq_alerts"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	LevelError   = "error"
	LevelWarning = "warning"

	SourceServer     = "server"
	SourceDecode     = "decode"
	SourceConnection = "connection"
	SourceTimeout    = "timeout"
	SourceInstrument = "instruments"

	maxAlerts          = 50
	alertPublishWindow = 10 * time.Second
)

// Alert is a dismissable message shown to the operator.
type Alert struct {
	ID       string      `json:"id"`
	Level    string      `json:"level"`
	Source   string      `json:"source"`
	Message  string      `json:"message"`
	Details  interface{} `json:"details,omitempty"`
	RaisedAt time.Time   `json:"raised_at"`
}

// Alerts returns the active alerts, oldest first.
func (d *Dashboard) Alerts() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Alert{}, d.alerts...)
}

// DismissAlert removes the alert with id and reports whether it was active.
func (d *Dashboard) DismissAlert(id string) bool {
	d.mu.Lock()
	found := false
	for i, a := range d.alerts {
		if a.ID == id {
			d.alerts = append(d.alerts[:i:i], d.alerts[i+1:]...)
			found = true
			break
		}
	}
	d.mu.Unlock()

	if found && d.alertLog != nil {
		if err := d.alertLog.MarkDismissed(id, d.clock.Now()); err != nil {
			logrus.Warnf("Dashboard: Failed to record dismissal of alert %s: %v", id, err)
		}
	}
	return found
}

// raiseAlert records a new alert and hands it to the log and publisher.
// The oldest alert is dropped once maxAlerts are active.
func (d *Dashboard) raiseAlert(level, source, message string, details interface{}) Alert {
	a := Alert{
		ID:       uuid.NewString(),
		Level:    level,
		Source:   source,
		Message:  message,
		Details:  details,
		RaisedAt: d.clock.Now(),
	}

	d.mu.Lock()
	d.alerts = append(d.alerts, a)
	if len(d.alerts) > maxAlerts {
		d.alerts = append([]Alert(nil), d.alerts[len(d.alerts)-maxAlerts:]...)
	}
	d.mu.Unlock()

	if level == LevelError {
		logrus.Errorf("Dashboard: Alert [%s] %s", source, message)
	} else {
		logrus.Warnf("Dashboard: Alert [%s] %s", source, message)
	}
	d.metrics.ObserveAlert(source)

	if d.alertLog != nil {
		rec := database.AlertRecord{ID: a.ID, Level: a.Level, Source: a.Source, Message: a.Message, RaisedAt: a.RaisedAt}
		if err := d.alertLog.Record(rec); err != nil {
			logrus.Warnf("Dashboard: Failed to persist alert %s: %v", a.ID, err)
		}
	}

	if d.publisher != nil {
		msg := mq_alerts.Alert{
			ID:       a.ID,
			Level:    a.Level,
			Source:   a.Source,
			Message:  a.Message,
			Details:  a.Details,
			ClientID: d.conn.ClientID(),
			RaisedAt: a.RaisedAt,
		}
		// Publishing can block on the broker; the frame reader must not.
		d.publishWG.Add(1)
		go func() {
			defer d.publishWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), alertPublishWindow)
			defer cancel()
			if err := d.publisher.PublishAlert(ctx, msg); err != nil {
				logrus.Warnf("Dashboard: Failed to publish alert %s: %v", msg.ID, err)
			}
		}()
	}
	return a
}
