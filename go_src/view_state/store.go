package view_state

import (
	"sync"

	"futuresdash/go_src/series"
)

// ListenerID identifies a registered listener for RemoveListener.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn func(*series.ChartDataset)
}

// Store holds the last delivered ChartDataset and broadcasts replacements.
// Datasets are stored and handed out as-is; they are never merged or mutated.
type Store struct {
	mu        sync.RWMutex
	data      *series.ChartDataset
	listeners []listener
	nextID    ListenerID

	onListenersChanged func(int)
}

// New returns a store holding an empty dataset.
func New() *Store {
	return &Store{data: series.Empty()}
}

// OnListenersChanged sets a hook called with the listener count after each add or remove.
func (s *Store) OnListenersChanged(fn func(int)) {
	s.mu.Lock()
	s.onListenersChanged = fn
	s.mu.Unlock()
}

// SetChartData replaces the dataset and synchronously notifies every listener.
// A nil dataset is stored as an empty one.
func (s *Store) SetChartData(d *series.ChartDataset) {
	if d == nil {
		d = series.Empty()
	}
	s.mu.Lock()
	s.data = d
	listeners := append([]listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.fn(d)
	}
}

// GetChartData returns the current dataset.
func (s *Store) GetChartData() *series.ChartDataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// ClearChartData replaces the dataset with an empty one and notifies listeners.
func (s *Store) ClearChartData() {
	s.SetChartData(series.Empty())
}

// AddListener registers fn and calls it at once with the current dataset.
func (s *Store) AddListener(fn func(*series.ChartDataset)) ListenerID {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	current := s.data
	count, hook := len(s.listeners), s.onListenersChanged
	s.mu.Unlock()

	if hook != nil {
		hook(count)
	}
	fn(current)
	return id
}

// RemoveListener stops notifications to id. Unknown ids are ignored.
func (s *Store) RemoveListener(id ListenerID) {
	s.mu.Lock()
	removed := false
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			removed = true
			break
		}
	}
	count, hook := len(s.listeners), s.onListenersChanged
	s.mu.Unlock()

	if removed && hook != nil {
		hook(count)
	}
}

// ListenerCount returns the number of registered listeners.
func (s *Store) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}
