package series

// VisibleMarkers returns the trade points a price chart draws: points with a
// non-zero count whose timestamp is on the x axis, in dataset order.
// Marker indices used by PairedLeg refer to this slice.
func VisibleMarkers(d *ChartDataset) []TradePoint {
	if d.IsEmpty() {
		return []TradePoint{}
	}
	onAxis := make(map[string]struct{}, len(d.XAxis))
	for _, ts := range d.XAxis {
		onAxis[ts] = struct{}{}
	}
	markers := make([]TradePoint, 0, len(d.TradePoints))
	for _, p := range d.TradePoints {
		if p.Count == 0 {
			continue
		}
		if _, ok := onAxis[p.Timestamp]; !ok {
			continue
		}
		markers = append(markers, p)
	}
	return markers
}

// PairedLeg finds the other leg of the clicked marker: the first marker with the
// same id at a different index. Markers without an id never pair.
func PairedLeg(markers []TradePoint, clicked int) (int, bool) {
	if clicked < 0 || clicked >= len(markers) {
		return -1, false
	}
	id := markers[clicked].ID
	if id == "" {
		return -1, false
	}
	for i, p := range markers {
		if i != clicked && p.ID == id {
			return i, true
		}
	}
	return -1, false
}

// IsHedged reports whether the markers sharing id include both an open and a lock.
// Charts draw such markers hollow.
func IsHedged(markers []TradePoint, id string) bool {
	if id == "" {
		return false
	}
	var hasOpen, hasLock bool
	for _, p := range markers {
		if p.ID != id {
			continue
		}
		switch p.Decision {
		case DecisionOpen:
			hasOpen = true
		case DecisionLock:
			hasLock = true
		}
	}
	return hasOpen && hasLock
}
