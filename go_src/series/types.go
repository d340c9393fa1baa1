package series

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	// PriceSeriesName names the single OHLCV series.
	PriceSeriesName = "Futures price"
	// PLSeriesName names the single profit/loss series.
	PLSeriesName = "PnL"
)

// Direction is the signed side of a trade: +1 long, -1 short.
type Direction int

const (
	Long  Direction = 1
	Short Direction = -1
)

// DecisionKind tags what a trade did to the position.
type DecisionKind int

const (
	DecisionLock  DecisionKind = -1
	DecisionClose DecisionKind = 0
	DecisionOpen  DecisionKind = 1
)

func (d DecisionKind) String() string {
	switch d {
	case DecisionOpen:
		return "open"
	case DecisionLock:
		return "lock"
	case DecisionClose:
		return "close"
	default:
		return "unknown(" + strconv.Itoa(int(d)) + ")"
	}
}

// PriceBar is one OHLCV row plus the model's predicted price.
type PriceBar struct {
	Open           float64 `json:"open"`
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	Close          float64 `json:"close"`
	Volume         float64 `json:"volume"`
	Amount         float64 `json:"amt"`
	PctChange      float64 `json:"pctChg"`
	OpenInterest   float64 `json:"oi"`
	PredictedPrice float64 `json:"predicted_price"`
}

// PriceSeries is a named sequence of bars aligned to the x axis.
type PriceSeries struct {
	Name string     `json:"name"`
	Data []PriceBar `json:"data"`
}

// ValueSeries is a named sequence of scalars aligned to the x axis.
type ValueSeries struct {
	Name string    `json:"name"`
	Data []float64 `json:"data"`
}

// TradePoint is a (possibly merged) trade marker.
// Two points describe the same event iff Timestamp, Direction and Decision are equal.
type TradePoint struct {
	ID        string       `json:"id"`
	Direction Direction    `json:"type"`
	Price     float64      `json:"price"`
	Count     float64      `json:"count"`
	Timestamp string       `json:"timestamp"`
	Decision  DecisionKind `json:"strategy_type"`
}

// PredictionPoint holds the raw signal strength and the realised move until the next signal.
type PredictionPoint struct {
	Strength   float64 `json:"prediction_strength"`
	QuantValue float64 `json:"prediction_quant_value"`
}

// ChartDataset is the transformer output consumed by the chart views.
// Datasets are replaced wholesale, never mutated after construction.
type ChartDataset struct {
	XAxis       []string          `json:"xAxis"`
	PriceSeries []PriceSeries     `json:"price_series"`
	TradePoints []TradePoint      `json:"tradePoints"`
	PredSeries  []PredictionPoint `json:"pred_series"`
	PLSeries    []ValueSeries     `json:"pl_series"`
}

// Empty returns a dataset with every field present and empty.
func Empty() *ChartDataset {
	return &ChartDataset{
		XAxis:       []string{},
		PriceSeries: []PriceSeries{},
		TradePoints: []TradePoint{},
		PredSeries:  []PredictionPoint{},
		PLSeries:    []ValueSeries{},
	}
}

// IsEmpty reports whether the dataset has no rows.
func (d *ChartDataset) IsEmpty() bool {
	return d == nil || len(d.XAxis) == 0
}

// Len is the number of rows, i.e. the length of every per-row array.
func (d *ChartDataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.XAxis)
}

// RawRow is one time step as sent by the feed server.
type RawRow struct {
	Open               Number     `json:"Open"`
	High               Number     `json:"High"`
	Low                Number     `json:"Low"`
	Close              Number     `json:"Close"`
	Volume             Number     `json:"Volume"`
	Amount             Number     `json:"Amt"`
	PctChange          Number     `json:"PctChg"`
	OpenInterest       Number     `json:"Oi"`
	PredictedPrice     Number     `json:"predicted_price"`
	DealType           DealMarker `json:"deal_type"`
	DealCount          Number     `json:"deal_count"`
	Price              Number     `json:"Price"`
	ID                 Label      `json:"id"`
	StrategyType       Number     `json:"strategy_type"`
	PredictionStrength Number     `json:"prediction_strength"`
	Timestamp          Label      `json:"Timestamp"`
	PnL                Number     `json:"PnL"`
}

// Number decodes any JSON value without failing: numbers and numeric strings
// keep their value, everything else (null, objects, junk) becomes 0.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	*n = Number(parseLenientNumber(b))
	return nil
}

func (n Number) Float() float64 { return float64(n) }

func parseLenientNumber(b []byte) float64 {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0
	}
	text := string(b)
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return 0
		}
		text = strings.TrimSpace(s)
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Label decodes a string, or the literal text of a number; null becomes "".
type Label string

func (l *Label) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*l = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*l = ""
			return nil
		}
		*l = Label(s)
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		*l = Label(b)
	default:
		*l = ""
	}
	return nil
}

// DealMarker is the raw deal_type field: "BUY"/"SELL" or a signed number.
type DealMarker struct {
	raw     json.RawMessage
	present bool
}

func (d *DealMarker) UnmarshalJSON(b []byte) error {
	d.raw = append(d.raw[:0], b...)
	d.present = true
	return nil
}

// Direction resolves the marker to Long or Short. ok is false when the row carries no trade.
func (d DealMarker) Direction() (dir Direction, ok bool) {
	if !d.present {
		return 0, false
	}
	b := bytes.TrimSpace(d.raw)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return 0, false
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return 0, false
		}
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "BUY", "LONG":
			return Long, true
		case "SELL", "SHORT":
			return Short, true
		}
	}
	return signOf(parseLenientNumber(b))
}

func signOf(v float64) (Direction, bool) {
	switch {
	case v > 0:
		return Long, true
	case v < 0:
		return Short, true
	default:
		return 0, false
	}
}
