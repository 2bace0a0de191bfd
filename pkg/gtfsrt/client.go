package gtfsrt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"busline/internal/domain"
	"busline/internal/geo"
)

// Client polls a GTFS-Realtime VehiclePositions feed.
type Client struct {
	url        string
	httpClient *http.Client
}

func New(url string) *Client {
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Fetch downloads the feed and returns one reading per vehicle entity
// that carries a valid position. Entities without a timestamp use the
// feed header timestamp.
func (c *Client) Fetch(ctx context.Context) ([]domain.GPSReading, error) {
	feed, err := c.fetchFeed(ctx)
	if err != nil {
		return nil, err
	}
	return Readings(feed), nil
}

func (c *Client) fetchFeed(ctx context.Context) (*gtfs.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/x-protobuf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("parsing protobuf: %w", err)
	}
	return feed, nil
}

func Readings(feed *gtfs.FeedMessage) []domain.GPSReading {
	headerTS := feed.GetHeader().GetTimestamp()

	readings := make([]domain.GPSReading, 0, len(feed.GetEntity()))
	for _, entity := range feed.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}

		id := vp.GetVehicle().GetId()
		if id == "" {
			id = entity.GetId()
		}
		if id == "" {
			continue
		}

		pos := vp.GetPosition()
		coord := geo.Coordinate{Lat: float64(pos.GetLatitude()), Lon: float64(pos.GetLongitude())}
		if coord.Validate() != nil {
			continue
		}

		ts := vp.GetTimestamp()
		if ts == 0 {
			ts = headerTS
		}

		r := domain.GPSReading{
			VehicleID: id,
			Position:  coord,
			Timestamp: time.Unix(int64(ts), 0).UTC(),
		}
		if pos.Speed != nil {
			kmh := float64(pos.GetSpeed()) * 3.6
			r.SpeedKmh = &kmh
		}
		if pos.Bearing != nil {
			b := float64(pos.GetBearing())
			r.Bearing = &b
		}
		readings = append(readings, r)
	}
	return readings
}
