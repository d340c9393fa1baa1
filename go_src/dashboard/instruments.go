package dashboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"futuresdash/go_src/database"
	"futuresdash/go_src/futures_api"

	"github.com/sirupsen/logrus"
)

// ErrNoInstrumentSource is returned when neither the REST client nor the cache is configured.
var ErrNoInstrumentSource = errors.New("no instrument source configured")

// InstrumentList is the watchlist as served to views.
type InstrumentList struct {
	Items    []futures_api.Future `json:"items"`
	Cached   bool                 `json:"cached"`
	SyncedAt *time.Time           `json:"synced_at,omitempty"`
}

// Instruments fetches the instrument list from the REST server and refreshes
// the cache. When the server fails, the cached list is served and a warning
// alert is raised.
func (d *Dashboard) Instruments(ctx context.Context) (InstrumentList, error) {
	var apiErr error
	if d.api != nil {
		items, err := d.api.ListFutures(ctx)
		if err == nil {
			d.storeInstruments(items)
			return InstrumentList{Items: items}, nil
		}
		apiErr = err
	}
	return d.fromCache(apiErr, "", func() ([]database.Instrument, error) { return d.cache.List() })
}

// SearchInstruments filters instruments by keyword, with the same cache fallback.
func (d *Dashboard) SearchInstruments(ctx context.Context, keyword string) (InstrumentList, error) {
	var apiErr error
	if d.api != nil {
		items, err := d.api.SearchFutures(ctx, keyword)
		if err == nil {
			return InstrumentList{Items: items}, nil
		}
		apiErr = err
	}
	return d.fromCache(apiErr, keyword, func() ([]database.Instrument, error) { return d.cache.Search(keyword) })
}

func (d *Dashboard) storeInstruments(items []futures_api.Future) {
	if d.cache == nil {
		return
	}
	rows := make([]database.Instrument, 0, len(items))
	for _, f := range items {
		rows = append(rows, database.Instrument{ID: f.ID, Symbol: f.Symbol, PricePerPoint: f.PricePerPoint})
	}
	if err := d.cache.ReplaceAll(rows, d.clock.Now()); err != nil {
		logrus.Warnf("Dashboard: Failed to cache instrument list: %v", err)
	}
}

func (d *Dashboard) fromCache(apiErr error, keyword string, load func() ([]database.Instrument, error)) (InstrumentList, error) {
	if d.cache == nil {
		if apiErr != nil {
			return InstrumentList{}, apiErr
		}
		return InstrumentList{}, ErrNoInstrumentSource
	}
	rows, err := load()
	if err != nil {
		if apiErr != nil {
			return InstrumentList{}, fmt.Errorf("%w (cache unavailable: %v)", apiErr, err)
		}
		return InstrumentList{}, err
	}

	list := InstrumentList{Items: make([]futures_api.Future, 0, len(rows)), Cached: true}
	for _, r := range rows {
		list.Items = append(list.Items, futures_api.Future{ID: r.ID, Symbol: r.Symbol, PricePerPoint: r.PricePerPoint})
	}
	if synced, ok, err := d.cache.LastSynced(); err == nil && ok {
		list.SyncedAt = &synced
	}
	if apiErr != nil {
		what := "instrument list"
		if keyword != "" {
			what = fmt.Sprintf("instrument search %q", keyword)
		}
		d.raiseAlert(LevelWarning, SourceInstrument,
			fmt.Sprintf("%s served from local cache: %v", what, apiErr), nil)
	}
	return list, nil
}
