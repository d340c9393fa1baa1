package dashboard

import (
	"errors"
	"fmt"

	"futuresdash/go_src/dash_errors"
	"futuresdash/go_src/subscription"
)

var (
	// ErrNoQuery is returned by Refresh before any query was issued.
	ErrNoQuery = errors.New("no query has been issued yet")
	// ErrInvalidQuery wraps query validation failures other than an empty selection.
	ErrInvalidQuery = errors.New("invalid query")
)

// Query selects the instruments and the two independent windows of a request.
type Query struct {
	Instruments []subscription.Instrument
	Display     subscription.Window
	PnL         subscription.Window
}

func (q Query) validate() error {
	if len(q.Instruments) == 0 {
		return dash_errors.ErrNoInstruments
	}
	for i, inst := range q.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("%w: instrument %d has an empty symbol", ErrInvalidQuery, i)
		}
	}
	return nil
}

// Query sends a data request for q. On success the dashboard is loading until
// a data frame arrives or the advisory timeout fires; the timeout only resets
// UI state, a later frame still fills the store.
func (d *Dashboard) Query(q Query) error {
	if err := q.validate(); err != nil {
		return err
	}
	if !d.conn.IsConnected() {
		return dash_errors.ErrNotConnected
	}

	// Loading is set before sending so a fast reply cannot be overtaken.
	d.mu.Lock()
	d.seq++
	seq := d.seq
	prevLoading, prevTimedOut := d.loading, d.timedOut
	d.loading = true
	d.timedOut = false
	d.mu.Unlock()

	req, err := d.client.RequestData(q.Instruments, q.Display, q.PnL)
	if err != nil {
		d.mu.Lock()
		if d.seq == seq {
			d.loading, d.timedOut = prevLoading, prevTimedOut
		}
		d.mu.Unlock()
		return err
	}

	remembered := q
	remembered.Instruments = append([]subscription.Instrument(nil), q.Instruments...)

	d.mu.Lock()
	d.lastQuery = &remembered
	if d.seq == seq && d.loading {
		if d.timer != nil {
			d.timer.Stop()
		}
		d.timer = d.clock.AfterFunc(d.timeout, func() { d.expire(seq, req.RequestID) })
	}
	d.mu.Unlock()
	return nil
}

// Refresh re-issues the last query.
func (d *Dashboard) Refresh() error {
	q, ok := d.LastQuery()
	if !ok {
		return ErrNoQuery
	}
	return d.Query(q)
}

// LastQuery returns the most recent successfully sent query.
func (d *Dashboard) LastQuery() (Query, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastQuery == nil {
		return Query{}, false
	}
	q := *d.lastQuery
	q.Instruments = append([]subscription.Instrument(nil), d.lastQuery.Instruments...)
	return q, true
}

// Loading reports whether a request is waiting for its data frame.
func (d *Dashboard) Loading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loading
}

func (d *Dashboard) expire(seq uint64, requestID string) {
	d.mu.Lock()
	if seq != d.seq || !d.loading {
		d.mu.Unlock()
		return
	}
	d.loading = false
	d.timedOut = true
	d.timer = nil
	d.mu.Unlock()

	d.metrics.ObserveTimeout()
	d.raiseAlert(LevelWarning, SourceTimeout,
		fmt.Sprintf("no data received within %v for request %s", d.timeout, requestID), nil)
}

// handleFrame runs before the kind handlers; any data frame, even one that
// fails to decode, ends the loading state.
func (d *Dashboard) handleFrame(f subscription.Frame) {
	if f.Kind != subscription.KindData {
		return
	}
	d.mu.Lock()
	d.loading = false
	d.timedOut = false
	d.lastDataAt = d.clock.Now()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
}

func (d *Dashboard) handleError(err error) {
	var serverErr *dash_errors.ServerError
	var decodeErr *dash_errors.DecodeError
	switch {
	case errors.As(err, &serverErr):
		d.raiseAlert(LevelError, SourceServer, serverErr.Message, serverErr.Details)
	case errors.As(err, &decodeErr):
		d.raiseAlert(LevelError, SourceDecode, decodeErr.Error(), nil)
	default:
		d.raiseAlert(LevelError, SourceServer, err.Error(), nil)
	}
}
