package postgres

import (
	"context"
	"fmt"
	"time"

	"busline/internal/domain"
)

// ReadingLog stores raw GPS readings for replay and audit.
type ReadingLog struct {
	db Querier
}

func NewReadingLog(db Querier) *ReadingLog {
	return &ReadingLog{db: db}
}

func (l *ReadingLog) Append(ctx context.Context, r domain.GPSReading) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO gps_readings (vehicle_id, lat, lon, recorded_at, speed_kmh, bearing)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, r.VehicleID, r.Position.Lat, r.Position.Lon, r.Timestamp, r.SpeedKmh, r.Bearing)
	if err != nil {
		return fmt.Errorf("append reading for vehicle %s: %w", r.VehicleID, err)
	}
	return nil
}

// Purge deletes readings recorded before the cutoff.
func (l *ReadingLog) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := l.db.Exec(ctx, `DELETE FROM gps_readings WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge readings: %w", err)
	}
	return tag.RowsAffected(), nil
}
