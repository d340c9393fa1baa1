package database

import (
	"database/sql"
	"fmt"
	"time"
)

// AlertRecord is one operator alert as persisted in alert_log.
type AlertRecord struct {
	ID          string
	Level       string
	Source      string
	Message     string
	RaisedAt    time.Time
	DismissedAt sql.NullTime
}

// AlertLog keeps a history of raised alerts across restarts.
type AlertLog struct {
	tdb *DashDB
}

func NewAlertLog(tdb *DashDB) *AlertLog {
	return &AlertLog{tdb: tdb}
}

// CreateSchema creates the alert_log table.
func (a *AlertLog) CreateSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS alert_log (
		id VARCHAR PRIMARY KEY,
		level VARCHAR,
		source VARCHAR,
		message VARCHAR,
		raised_at TIMESTAMP NOT NULL,
		dismissed_at TIMESTAMP
	);`
	if _, err := a.tdb.DB().Exec(schema); err != nil {
		return fmt.Errorf("failed to create alert_log schema: %w", err)
	}
	return nil
}

// Record inserts rec.
func (a *AlertLog) Record(rec AlertRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("alert ID is required")
	}
	if rec.RaisedAt.IsZero() {
		rec.RaisedAt = time.Now()
	}
	_, err := a.tdb.DB().Exec(
		"INSERT INTO alert_log (id, level, source, message, raised_at, dismissed_at) VALUES (?, ?, ?, ?, ?, ?);",
		rec.ID, rec.Level, rec.Source, rec.Message, rec.RaisedAt.UTC(), rec.DismissedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", rec.ID, err)
	}
	return nil
}

// MarkDismissed stamps the alert with its dismissal time. Unknown ids are ignored.
func (a *AlertLog) MarkDismissed(id string, at time.Time) error {
	_, err := a.tdb.DB().Exec(
		"UPDATE alert_log SET dismissed_at = ? WHERE id = ? AND dismissed_at IS NULL;",
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to dismiss alert %s: %w", id, err)
	}
	return nil
}

// Recent returns up to limit alerts, newest first.
func (a *AlertLog) Recent(limit int) ([]AlertRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.tdb.DB().Query(
		"SELECT id, level, source, message, raised_at, dismissed_at FROM alert_log ORDER BY raised_at DESC, id LIMIT ?;",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert_log: %w", err)
	}
	defer rows.Close()

	records := []AlertRecord{}
	for rows.Next() {
		var rec AlertRecord
		var level, source, message sql.NullString
		if err := rows.Scan(&rec.ID, &level, &source, &message, &rec.RaisedAt, &rec.DismissedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		rec.Level, rec.Source, rec.Message = level.String, source.String, message.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rows: %w", err)
	}
	return records, nil
}
