package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"busline/internal/domain"
)

const (
	deviationSubjectPrefix = "alerts.deviation"
	noticeSubjectPrefix    = "notify.trip"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

type conn interface {
	Publish(subject string, data []byte) error
}

// NATSIssuer publishes deviation alerts and passenger notices.
type NATSIssuer struct {
	nc      *nats.Conn
	pub     conn
	metrics PublisherMetrics
	logger  *slog.Logger
}

func NewNATSIssuer(url string, m PublisherMetrics, logger *slog.Logger) (*NATSIssuer, error) {
	logger = logger.With("component", "nats_issuer")
	nc, err := nats.Connect(url,
		nats.Name("busline"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSIssuer{nc: nc, pub: nc, metrics: m, logger: logger}, nil
}

func (p *NATSIssuer) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

type DeviationAlert struct {
	DeviationID    string                 `json:"deviationId"`
	RouteID        string                 `json:"routeId"`
	RouteNumber    string                 `json:"routeNumber,omitempty"`
	TripID         string                 `json:"tripId"`
	VehicleID      string                 `json:"vehicleId"`
	Start          time.Time              `json:"start"`
	End            time.Time              `json:"end"`
	Reason         string                 `json:"reason"`
	Description    string                 `json:"description"`
	OffsetKm       float64                `json:"offsetKm"`
	AlternateStops []domain.AlternateStop `json:"alternateStops"`
}

func NewDeviationAlert(d domain.Deviation, trip domain.Trip, route domain.Route) DeviationAlert {
	return DeviationAlert{
		DeviationID:    d.ID,
		RouteID:        route.ID,
		RouteNumber:    route.Number,
		TripID:         trip.ID,
		VehicleID:      d.VehicleID,
		Start:          d.Start,
		End:            d.End,
		Reason:         d.Reason,
		Description:    d.Description,
		OffsetKm:       d.OffsetKm,
		AlternateStops: d.AlternateStops,
	}
}

type PassengerNotice struct {
	TripID  string `json:"tripId"`
	Message string `json:"message"`
}

func (p *NATSIssuer) OpenDeviationAlert(_ context.Context, d domain.Deviation, trip domain.Trip, route domain.Route) error {
	subject := fmt.Sprintf("%s.%s", deviationSubjectPrefix, subjectToken(route.ID))
	return p.publish(subject, NewDeviationAlert(d, trip, route))
}

func (p *NATSIssuer) NotifyPassengers(_ context.Context, tripID, message string) error {
	subject := fmt.Sprintf("%s.%s", noticeSubjectPrefix, subjectToken(tripID))
	return p.publish(subject, PassengerNotice{TripID: tripID, Message: message})
}

func (p *NATSIssuer) publish(subject string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	start := time.Now()
	err = p.pub.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("published", "subject", subject, "bytes", len(b))
	return nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain whitespace, '>', '*' or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
