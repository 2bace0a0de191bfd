package hub

import (
	"fmt"
	"math"

	"busline/internal/domain"
	"busline/internal/geo"
)

// TileID returns the Web Mercator (slippy map) tile holding c at zoom.
func TileID(c geo.Coordinate, zoom int) string {
	x, y := tileXY(c, zoom)
	return fmt.Sprintf("%d/%d/%d", zoom, x, y)
}

func tileXY(c geo.Coordinate, zoom int) (int, int) {
	n := math.Pow(2, float64(zoom))
	x := int(math.Floor((c.Lon + 180.0) / 360.0 * n))
	latRad := c.Lat * math.Pi / 180.0
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))

	maxTile := int(n) - 1
	return clampTile(x, maxTile), clampTile(y, maxTile)
}

func clampTile(v, maxTile int) int {
	if v < 0 {
		return 0
	}
	if v > maxTile {
		return maxTile
	}
	return v
}

// TilesInBBox lists every tile intersecting bb. Clients use it to
// subscribe to a viewport.
func TilesInBBox(bb domain.BoundingBox, zoom int) []string {
	x1, y1 := tileXY(geo.Coordinate{Lat: bb.MaxLat, Lon: bb.MinLon}, zoom)
	x2, y2 := tileXY(geo.Coordinate{Lat: bb.MinLat, Lon: bb.MaxLon}, zoom)

	var tiles []string
	for x := x1; x <= x2; x++ {
		for y := y1; y <= y2; y++ {
			tiles = append(tiles, fmt.Sprintf("%d/%d/%d", zoom, x, y))
		}
	}
	return tiles
}
