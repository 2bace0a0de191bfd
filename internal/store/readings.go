package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"busline/internal/domain"
)

// ReadingLog is an append-only in-memory GPS log, one slice per vehicle
// ordered by reading timestamp.
type ReadingLog struct {
	mu       sync.RWMutex
	readings map[string][]domain.GPSReading
}

func NewReadingLog() *ReadingLog {
	return &ReadingLog{readings: make(map[string][]domain.GPSReading)}
}

func (l *ReadingLog) Append(_ context.Context, r domain.GPSReading) error {
	if r.VehicleID == "" {
		return fmt.Errorf("append reading: missing vehicle id")
	}
	if err := r.Position.Validate(); err != nil {
		return fmt.Errorf("append reading: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.readings[r.VehicleID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(r.Timestamp) })
	list = append(list, domain.GPSReading{})
	copy(list[i+1:], list[i:])
	list[i] = r
	l.readings[r.VehicleID] = list
	return nil
}

func (l *ReadingLog) Latest(_ context.Context, vehicleID string) (domain.GPSReading, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	list := l.readings[vehicleID]
	if len(list) == 0 {
		return domain.GPSReading{}, fmt.Errorf("readings for vehicle %s: %w", vehicleID, domain.ErrNotFound)
	}
	return list[len(list)-1], nil
}

// History returns the vehicle's readings at or after since, oldest first.
func (l *ReadingLog) History(_ context.Context, vehicleID string, since time.Time) ([]domain.GPSReading, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	list := l.readings[vehicleID]
	i := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(since) })
	return append([]domain.GPSReading(nil), list[i:]...), nil
}

// Purge drops readings older than before and returns how many went.
func (l *ReadingLog) Purge(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed int64
	for id, list := range l.readings {
		i := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(before) })
		removed += int64(i)
		if i == len(list) {
			delete(l.readings, id)
			continue
		}
		l.readings[id] = append([]domain.GPSReading(nil), list[i:]...)
	}
	return removed, nil
}
