package subscription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"futuresdash/go_src/dash_errors"

	"github.com/google/uuid"
)

const (
	// WindowLayout is the wire format of window bounds.
	WindowLayout = "2006-01-02 15:04"
	// issuedAtLayout is ISO-8601 in UTC with millisecond precision.
	issuedAtLayout = "2006-01-02T15:04:05.000Z07:00"

	StatusInit    = "init"
	StatusSuccess = "success"
)

// Instrument is one tracked futures contract.
type Instrument struct {
	Symbol        string  `json:"symbol"`
	PricePerPoint float64 `json:"price_per_point"`
}

// Window is a half-open time range [Start, End). A zero bound is sent as null.
type Window struct {
	Start time.Time
	End   time.Time
}

// Request is the outbound subscription frame.
type Request struct {
	RequestID     string       `json:"request_id"`
	Timestamp     string       `json:"timestamp"`
	Symbols       []Instrument `json:"symbols"`
	StartDateShow *string      `json:"start_date_show"`
	EndDateShow   *string      `json:"end_date_show"`
	StartDatePL   *string      `json:"start_date_pl"`
	EndDatePL     *string      `json:"end_date_pl"`
}

// NewRequestID returns req_<unix millis>_<random>.
func NewRequestID(now time.Time) string {
	return "req_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}

// NewRequest builds a request issued at now. The display and PnL windows are independent.
func NewRequest(instruments []Instrument, display, pnl Window, now time.Time) Request {
	symbols := make([]Instrument, len(instruments))
	copy(symbols, instruments)
	return Request{
		RequestID:     NewRequestID(now),
		Timestamp:     now.UTC().Format(issuedAtLayout),
		Symbols:       symbols,
		StartDateShow: formatBound(display.Start),
		EndDateShow:   formatBound(display.End),
		StartDatePL:   formatBound(pnl.Start),
		EndDatePL:     formatBound(pnl.End),
	}
}

func formatBound(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(WindowLayout)
	return &s
}

// ParseWindow parses two "YYYY-MM-DD HH:mm" bounds in loc; an empty string leaves the bound open.
func ParseWindow(start, end string, loc *time.Location) (Window, error) {
	var w Window
	var err error
	if loc == nil {
		loc = time.Local
	}
	if start != "" {
		if w.Start, err = time.ParseInLocation(WindowLayout, start, loc); err != nil {
			return Window{}, fmt.Errorf("invalid window start %q: %w", start, err)
		}
	}
	if end != "" {
		if w.End, err = time.ParseInLocation(WindowLayout, end, loc); err != nil {
			return Window{}, fmt.Errorf("invalid window end %q: %w", end, err)
		}
	}
	if !w.Start.IsZero() && !w.End.IsZero() && !w.Start.Before(w.End) {
		return Window{}, fmt.Errorf("window start %q must be before end %q", start, end)
	}
	return w, nil
}

// Kind discriminates inbound frames.
type Kind int

const (
	KindNotice Kind = iota // status-only informational frame
	KindAck
	KindData
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindNotice:
		return "notice"
	case KindAck:
		return "ack"
	case KindData:
		return "data"
	case KindError:
		return "error"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Frame is a decoded inbound frame.
type Frame struct {
	Kind              Kind
	Status            string
	Message           string
	SubscribedSymbols []string
	Error             string
	Details           any
	Data              json.RawMessage
	Raw               json.RawMessage
}

// Ack is the payload of a subscription acknowledgement.
type Ack struct {
	Symbols []string
	Message string
}

type wireFrame struct {
	Status            string          `json:"status"`
	Message           string          `json:"message"`
	SubscribedSymbols []string        `json:"subscribed_symbols"`
	Error             json.RawMessage `json:"error"`
	Details           any             `json:"details"`
	Data              json.RawMessage `json:"data"`
}

// DecodeFrame parses and classifies one inbound frame. An error field wins over
// the status; "init" is a data delivery; "success" with a symbol list is an
// acknowledgement; anything else is a notice.
func DecodeFrame(b []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(b, &w); err != nil {
		return Frame{}, dash_errors.NewDecodeError("frame", err)
	}
	f := Frame{
		Status:            w.Status,
		Message:           w.Message,
		SubscribedSymbols: w.SubscribedSymbols,
		Details:           w.Details,
		Data:              w.Data,
		Raw:               append(json.RawMessage(nil), b...),
	}
	errField := bytes.TrimSpace(w.Error)
	switch {
	case errorSet(errField):
		f.Kind = KindError
		f.Error = errorText(errField)
	case w.Status == StatusInit:
		f.Kind = KindData
	case w.Status == StatusSuccess && w.SubscribedSymbols != nil:
		f.Kind = KindAck
	default:
		f.Kind = KindNotice
	}
	return f, nil
}

// errorSet reports whether the error field holds a truthy value. null, false,
// 0 and "" leave the frame to its status.
func errorSet(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func errorText(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
