package series

import (
	"bytes"
	"encoding/json"
	"math"

	"futuresdash/go_src/dash_errors"
)

// Transform converts the payload of a data-delivery frame into a ChartDataset.
//
// The payload may be the row array itself, an object wrapping it under "data",
// or a JSON string holding either of those. A payload that is not valid JSON is
// the only error; every other irregularity yields defaults or an empty dataset.
func Transform(payload json.RawMessage) (*ChartDataset, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Empty(), nil
	}
	if trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, dash_errors.NewDecodeError("data payload", err)
		}
		return TransformBytes([]byte(encoded))
	}
	return TransformBytes(trimmed)
}

// TransformBytes parses a JSON document and converts it. Unlike Transform an
// empty document is a decode error, since there is nothing to parse.
func TransformBytes(doc []byte) (*ChartDataset, error) {
	trimmed := bytes.TrimSpace(doc)
	if !json.Valid(trimmed) {
		// Valid already said no; Unmarshal is only asked for a precise error.
		var probe interface{}
		return nil, dash_errors.NewDecodeError("encoded data payload", json.Unmarshal(trimmed, &probe))
	}
	return FromRows(decodeRows(trimmed)), nil
}

// decodeRows normalises a valid JSON document to its row array.
// Unrecognised shapes produce no rows; an element that is not an object produces a zero row
// so that per-row arrays keep their length.
func decodeRows(doc []byte) []RawRow {
	var elements []json.RawMessage
	switch doc[0] {
	case '[':
		if err := json.Unmarshal(doc, &elements); err != nil {
			return nil
		}
	case '{':
		var wrapper struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(doc, &wrapper); err != nil {
			return nil
		}
		inner := bytes.TrimSpace(wrapper.Data)
		if len(inner) == 0 || inner[0] != '[' {
			return nil
		}
		if err := json.Unmarshal(inner, &elements); err != nil {
			return nil
		}
	default:
		return nil
	}

	rows := make([]RawRow, len(elements))
	for i, element := range elements {
		var row RawRow
		if err := json.Unmarshal(element, &row); err != nil {
			row = RawRow{}
		}
		rows[i] = row
	}
	return rows
}

// FromRows builds the dataset from already-decoded rows.
func FromRows(rows []RawRow) *ChartDataset {
	if len(rows) == 0 {
		return Empty()
	}

	n := len(rows)
	xAxis := make([]string, n)
	bars := make([]PriceBar, n)
	pnl := make([]float64, n)
	for i, row := range rows {
		xAxis[i] = string(row.Timestamp)
		bars[i] = PriceBar{
			Open:           row.Open.Float(),
			High:           row.High.Float(),
			Low:            row.Low.Float(),
			Close:          row.Close.Float(),
			Volume:         row.Volume.Float(),
			Amount:         row.Amount.Float(),
			PctChange:      row.PctChange.Float(),
			OpenInterest:   row.OpenInterest.Float(),
			PredictedPrice: row.PredictedPrice.Float(),
		}
		pnl[i] = row.PnL.Float()
	}

	return &ChartDataset{
		XAxis:       xAxis,
		PriceSeries: []PriceSeries{{Name: PriceSeriesName, Data: bars}},
		TradePoints: mergeTradePoints(rows),
		PredSeries:  predictionSeries(rows),
		PLSeries:    []ValueSeries{{Name: PLSeriesName, Data: pnl}},
	}
}

type tradeKey struct {
	timestamp string
	direction Direction
	decision  DecisionKind
}

type tradeAccumulator struct {
	point    TradePoint
	priceSum float64
	legs     int
}

// mergeTradePoints collects the rows carrying a deal and folds rows that describe
// the same event: counts are summed and the price is the mean of all legs.
// Output order is the order in which each event first appears.
func mergeTradePoints(rows []RawRow) []TradePoint {
	order := make([]tradeKey, 0)
	merged := make(map[tradeKey]*tradeAccumulator)

	for _, row := range rows {
		dir, ok := row.DealType.Direction()
		if !ok {
			continue
		}
		point := TradePoint{
			ID:        string(row.ID),
			Direction: dir,
			Price:     row.Price.Float(),
			Count:     row.DealCount.Float(),
			Timestamp: string(row.Timestamp),
			Decision:  DecisionKind(int(row.StrategyType.Float())),
		}
		key := tradeKey{timestamp: point.Timestamp, direction: point.Direction, decision: point.Decision}
		if acc, exists := merged[key]; exists {
			acc.point.Count += point.Count
			acc.priceSum += point.Price
			acc.legs++
			continue
		}
		merged[key] = &tradeAccumulator{point: point, priceSum: point.Price, legs: 1}
		order = append(order, key)
	}

	points := make([]TradePoint, 0, len(order))
	for _, key := range order {
		acc := merged[key]
		acc.point.Price = acc.priceSum / float64(acc.legs)
		points = append(points, acc.point)
	}
	return points
}

// predictionSeries computes, for each row with a non-zero signal, the close-to-close
// move until the next row with a non-zero signal, or until the last row.
func predictionSeries(rows []RawRow) []PredictionPoint {
	n := len(rows)
	out := make([]PredictionPoint, n)
	lastClose := rows[n-1].Close.Float()

	nextSignalClose, haveNext := 0.0, false
	for i := n - 1; i >= 0; i-- {
		strength := rows[i].PredictionStrength.Float()
		point := PredictionPoint{Strength: strength}
		if strength != 0 {
			closeNow := rows[i].Close.Float()
			target := lastClose
			if haveNext {
				target = nextSignalClose
			}
			point.QuantValue = roundTenth(target - closeNow)
			nextSignalClose, haveNext = closeNow, true
		}
		out[i] = point
	}
	return out
}

// roundTenth rounds half up to one decimal place.
func roundTenth(v float64) float64 {
	r := math.Floor(v*10+0.5) / 10
	if r == 0 {
		return 0 // no negative zero
	}
	return r
}
