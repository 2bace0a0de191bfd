package publisher

import (
	"context"
	"log/slog"

	"busline/internal/domain"
)

// LogIssuer writes alerts to the log when no broker is configured.
type LogIssuer struct {
	logger *slog.Logger
}

func NewLogIssuer(logger *slog.Logger) *LogIssuer {
	return &LogIssuer{logger: logger.With("component", "log_issuer")}
}

func (l *LogIssuer) OpenDeviationAlert(_ context.Context, d domain.Deviation, trip domain.Trip, route domain.Route) error {
	l.logger.Warn("deviation alert",
		"deviation_id", d.ID,
		"route_id", route.ID,
		"trip_id", trip.ID,
		"vehicle_id", d.VehicleID,
		"offset_km", d.OffsetKm,
		"alternate_stops", len(d.AlternateStops),
	)
	return nil
}

func (l *LogIssuer) NotifyPassengers(_ context.Context, tripID, message string) error {
	l.logger.Info("passenger notice", "trip_id", tripID, "message", message)
	return nil
}
