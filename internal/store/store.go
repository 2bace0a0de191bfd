package store

import (
	"sync"
	"time"

	"busline/internal/clock"
	"busline/internal/domain"
)

type ListOptions struct {
	RouteID string
	BBox    *domain.BoundingBox
}

// Store holds the latest position of every live vehicle, indexed by map
// tile and route.
type Store struct {
	mu       sync.RWMutex
	vehicles map[string]*domain.Vehicle
	byTile   map[string]map[string]struct{}
	byRoute  map[string]map[string]struct{}

	staleAfter time.Duration
	clock      clock.Clock
}

func New(staleAfter time.Duration, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		vehicles:   make(map[string]*domain.Vehicle),
		byTile:     make(map[string]map[string]struct{}),
		byRoute:    make(map[string]map[string]struct{}),
		staleAfter: staleAfter,
		clock:      clk,
	}
}

// Update records v as the vehicle's latest position. Readings older than
// the stored one are dropped and reported as not applied.
func (s *Store) Update(v *domain.Vehicle) (domain.VehicleDelta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	v.UpdatedAt = now

	existing, exists := s.vehicles[v.Key]
	if exists && v.Timestamp.Before(existing.Timestamp) {
		return domain.VehicleDelta{}, false
	}
	if exists && !hasChanged(existing, v) {
		existing.UpdatedAt = now
		return domain.VehicleDelta{}, false
	}

	if exists {
		s.removeFromAllIndices(existing)
	}
	s.vehicles[v.Key] = v
	s.addToIndices(v)

	c := *v
	return domain.VehicleDelta{
		Type:    domain.DeltaUpdate,
		Vehicle: &c,
		TileID:  v.TileID,
	}, true
}

func (s *Store) PruneStale() []domain.VehicleDelta {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-s.staleAfter)
	var deltas []domain.VehicleDelta

	for key, v := range s.vehicles {
		if v.UpdatedAt.Before(cutoff) {
			deltas = append(deltas, domain.VehicleDelta{
				Type:   domain.DeltaRemove,
				Key:    key,
				TileID: v.TileID,
			})
			s.removeFromAllIndices(v)
			delete(s.vehicles, key)
		}
	}

	return deltas
}

func (s *Store) Get(key string) (*domain.Vehicle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[key]
	if !ok {
		return nil, false
	}
	c := *v
	return &c, true
}

func (s *Store) List(opts ListOptions) []*domain.Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.getCandidates(opts)

	result := make([]*domain.Vehicle, 0, len(candidates))
	for key := range candidates {
		v := s.vehicles[key]
		if opts.BBox != nil && !opts.BBox.Contains(v.Lat, v.Lon) {
			continue
		}
		c := *v
		result = append(result, &c)
	}

	return result
}

func (s *Store) SnapshotForTiles(tileIDs []string) []*domain.Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var result []*domain.Vehicle

	for _, tileID := range tileIDs {
		for key := range s.byTile[tileID] {
			if _, exists := seen[key]; exists {
				continue
			}
			seen[key] = struct{}{}
			c := *s.vehicles[key]
			result = append(result, &c)
		}
	}
	return result
}

// ForTrip returns the vehicle currently serving tripID.
func (s *Store) ForTrip(tripID string) (*domain.Vehicle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.vehicles {
		if v.TripID == tripID {
			c := *v
			return &c, true
		}
	}
	return nil, false
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vehicles)
}

func (s *Store) getCandidates(opts ListOptions) map[string]struct{} {
	if opts.RouteID != "" {
		return copySet(s.byRoute[opts.RouteID])
	}

	result := make(map[string]struct{}, len(s.vehicles))
	for key := range s.vehicles {
		result[key] = struct{}{}
	}
	return result
}

func copySet(src map[string]struct{}) map[string]struct{} {
	result := make(map[string]struct{}, len(src))
	for key := range src {
		result[key] = struct{}{}
	}
	return result
}

func addIndex(index map[string]map[string]struct{}, bucket, key string) {
	if index[bucket] == nil {
		index[bucket] = make(map[string]struct{})
	}
	index[bucket][key] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, bucket, key string) {
	if index[bucket] == nil {
		return
	}
	delete(index[bucket], key)
	if len(index[bucket]) == 0 {
		delete(index, bucket)
	}
}

func (s *Store) addToIndices(v *domain.Vehicle) {
	addIndex(s.byTile, v.TileID, v.Key)
	if v.RouteID != "" {
		addIndex(s.byRoute, v.RouteID, v.Key)
	}
}

func (s *Store) removeFromAllIndices(v *domain.Vehicle) {
	removeIndex(s.byTile, v.TileID, v.Key)
	removeIndex(s.byRoute, v.RouteID, v.Key)
}

func hasChanged(old, new *domain.Vehicle) bool {
	const epsilon = 0.000001

	if old.TripID != new.TripID || old.RouteID != new.RouteID {
		return true
	}

	latDiff := old.Lat - new.Lat
	if latDiff < 0 {
		latDiff = -latDiff
	}
	lonDiff := old.Lon - new.Lon
	if lonDiff < 0 {
		lonDiff = -lonDiff
	}

	if latDiff > epsilon || lonDiff > epsilon {
		return true
	}

	return !old.Timestamp.Equal(new.Timestamp)
}
