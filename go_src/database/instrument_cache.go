package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Instrument is a cached row of the REST instrument list.
type Instrument struct {
	ID            string
	Symbol        string
	PricePerPoint float64
}

// InstrumentCache keeps the last instrument list fetched from the REST server,
// so the watchlist is still available when the server is down.
type InstrumentCache struct {
	tdb *DashDB
}

// NewInstrumentCache creates a cache on tdb. Call CreateSchema before use.
func NewInstrumentCache(tdb *DashDB) *InstrumentCache {
	return &InstrumentCache{tdb: tdb}
}

// CreateSchema creates the instrument_cache table.
func (c *InstrumentCache) CreateSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instrument_cache (
		id VARCHAR PRIMARY KEY,
		symbol VARCHAR NOT NULL,
		price_per_point DOUBLE,
		position INTEGER,
		synced_at TIMESTAMP
	);`
	if _, err := c.tdb.DB().Exec(schema); err != nil {
		return fmt.Errorf("failed to create instrument_cache schema: %w", err)
	}
	return nil
}

// ReplaceAll swaps the cached list for instruments in one transaction.
// The list order is kept.
func (c *InstrumentCache) ReplaceAll(instruments []Instrument, syncedAt time.Time) error {
	tx, err := c.tdb.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin instrument cache transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM instrument_cache;"); err != nil {
		return fmt.Errorf("failed to clear instrument cache: %w", err)
	}

	seen := make(map[string]bool, len(instruments))
	for i, inst := range instruments {
		if inst.ID == "" || seen[inst.ID] {
			logrus.Warnf("InstrumentCache: Skipping instrument with empty or duplicate id %q (symbol %q)", inst.ID, inst.Symbol)
			continue
		}
		seen[inst.ID] = true
		_, err := tx.Exec(
			"INSERT INTO instrument_cache (id, symbol, price_per_point, position, synced_at) VALUES (?, ?, ?, ?, ?);",
			inst.ID, inst.Symbol, inst.PricePerPoint, i, syncedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert instrument %s: %w", inst.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit instrument cache: %w", err)
	}
	logrus.Debugf("InstrumentCache: Stored %d instruments", len(seen))
	return nil
}

// List returns the cached instruments in the order they were stored.
func (c *InstrumentCache) List() ([]Instrument, error) {
	return c.query("SELECT id, symbol, price_per_point FROM instrument_cache ORDER BY position;")
}

// Search returns cached instruments whose symbol contains keyword, case-insensitively.
func (c *InstrumentCache) Search(keyword string) ([]Instrument, error) {
	return c.query(
		"SELECT id, symbol, price_per_point FROM instrument_cache WHERE symbol ILIKE ? ORDER BY position;",
		"%"+keyword+"%",
	)
}

// LastSynced returns when the cache was last replaced; ok is false for an empty cache.
func (c *InstrumentCache) LastSynced() (time.Time, bool, error) {
	var synced sql.NullTime
	err := c.tdb.DB().QueryRow("SELECT MAX(synced_at) FROM instrument_cache;").Scan(&synced)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read instrument cache sync time: %w", err)
	}
	return synced.Time, synced.Valid, nil
}

func (c *InstrumentCache) query(q string, args ...interface{}) ([]Instrument, error) {
	rows, err := c.tdb.DB().Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instrument cache: %w", err)
	}
	defer rows.Close()

	instruments := []Instrument{}
	for rows.Next() {
		var inst Instrument
		var price sql.NullFloat64
		if err := rows.Scan(&inst.ID, &inst.Symbol, &price); err != nil {
			return nil, fmt.Errorf("failed to scan instrument row: %w", err)
		}
		inst.PricePerPoint = price.Float64
		instruments = append(instruments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate instrument rows: %w", err)
	}
	return instruments, nil
}
