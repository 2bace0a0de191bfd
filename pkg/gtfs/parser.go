// Package gtfs reads a static GTFS archive into the route and stop
// catalog used for position and deviation checks.
package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"busline/internal/domain"
	"busline/internal/geo"
)

// Catalog holds the stops and one stop pattern per route.
type Catalog struct {
	Stops  []domain.Stop
	Routes []domain.Route
}

type routeInfo struct {
	number string
	name   string
	class  domain.RouteClass
}

type patternStop struct {
	stopID   string
	sequence int
	pickup   bool
	dropoff  bool
}

type parseState struct {
	routes    map[string]routeInfo
	stops     map[string]domain.Stop
	tripRoute map[string]string
	tripStops map[string][]patternStop
}

type Parser struct {
	logger *slog.Logger
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger: logger.With("component", "gtfs_parser"),
	}
}

func (p *Parser) Parse(reader *zip.Reader) (*Catalog, error) {
	totalStart := time.Now()
	p.logger.Info("starting GTFS parsing")

	st := &parseState{
		routes:    make(map[string]routeInfo),
		stops:     make(map[string]domain.Stop),
		tripRoute: make(map[string]string),
		tripStops: make(map[string][]patternStop),
	}

	fileMap := make(map[string]*zip.File)
	for _, file := range reader.File {
		fileMap[file.Name] = file
	}

	steps := []struct {
		name  string
		parse func(io.Reader, *parseState) error
	}{
		{"routes.txt", parseRoutes},
		{"stops.txt", parseStops},
		{"trips.txt", parseTrips},
		{"stop_times.txt", parseStopTimes},
	}
	for _, step := range steps {
		file, ok := fileMap[step.name]
		if !ok {
			return nil, fmt.Errorf("archive has no %s", step.name)
		}
		start := time.Now()
		if err := parseFile(file, st, step.parse); err != nil {
			return nil, fmt.Errorf("parse %s: %w", step.name, err)
		}
		p.logger.Debug("parsed file", "name", step.name, "duration_ms", time.Since(start).Milliseconds())
	}

	catalog := build(st)

	p.logger.Info("GTFS parsing completed",
		"total_duration_ms", time.Since(totalStart).Milliseconds(),
		"routes", len(catalog.Routes),
		"stops", len(catalog.Stops),
		"trips", len(st.tripRoute),
	)
	return catalog, nil
}

func parseFile(file *zip.File, st *parseState, parse func(io.Reader, *parseState) error) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return parse(rc, st)
}

// eachRecord calls fn for every data row with a lookup by column name.
func eachRecord(r io.Reader, fn func(field func(string) string) error) error {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return err
	}
	if len(header) > 0 {
		// strip a UTF-8 byte order mark
		header[0] = trimBOM(header[0])
	}
	idx := makeIndex(header)

	for {
		record, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(func(name string) string { return getField(record, idx, name) }); err != nil {
			return err
		}
	}
}

func parseRoutes(r io.Reader, st *parseState) error {
	return eachRecord(r, func(field func(string) string) error {
		routeType := 3
		if v := field("route_type"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				routeType = parsed
			}
		}
		st.routes[field("route_id")] = routeInfo{
			number: field("route_short_name"),
			name:   field("route_long_name"),
			class:  classForRouteType(routeType),
		}
		return nil
	})
}

func parseStops(r io.Reader, st *parseState) error {
	return eachRecord(r, func(field func(string) string) error {
		// stations, entrances and nodes are not boarding points
		if lt := field("location_type"); lt != "" && lt != "0" {
			return nil
		}
		lat, errLat := strconv.ParseFloat(field("stop_lat"), 64)
		lon, errLon := strconv.ParseFloat(field("stop_lon"), 64)
		if errLat != nil || errLon != nil {
			return nil
		}

		stop := domain.Stop{
			ID:       field("stop_id"),
			Name:     field("stop_name"),
			Location: geo.Coordinate{Lat: lat, Lon: lon},
			Active:   true,
		}
		if field("wheelchair_boarding") == "1" {
			stop.Facilities = []string{"wheelchair"}
		}
		if stop.Validate() != nil {
			return nil
		}
		st.stops[stop.ID] = stop
		return nil
	})
}

func parseTrips(r io.Reader, st *parseState) error {
	return eachRecord(r, func(field func(string) string) error {
		tripID, routeID := field("trip_id"), field("route_id")
		if tripID == "" || routeID == "" {
			return nil
		}
		if _, ok := st.routes[routeID]; ok {
			st.tripRoute[tripID] = routeID
		}
		return nil
	})
}

func parseStopTimes(r io.Reader, st *parseState) error {
	return eachRecord(r, func(field func(string) string) error {
		tripID := field("trip_id")
		if _, ok := st.tripRoute[tripID]; !ok {
			return nil
		}
		seq, err := strconv.Atoi(field("stop_sequence"))
		if err != nil {
			return nil
		}
		st.tripStops[tripID] = append(st.tripStops[tripID], patternStop{
			stopID:   field("stop_id"),
			sequence: seq,
			pickup:   field("drop_off_type") == "1",
			dropoff:  field("pickup_type") == "1",
		})
		return nil
	})
}

// build picks, per route, the trip that serves the most stops as the
// route's pattern. Ties go to the lowest trip id.
func build(st *parseState) *Catalog {
	longest := make(map[string]string)
	for tripID, routeID := range st.tripRoute {
		best, ok := longest[routeID]
		n, bn := len(st.tripStops[tripID]), len(st.tripStops[best])
		if !ok || n > bn || (n == bn && tripID < best) {
			longest[routeID] = tripID
		}
	}

	catalog := &Catalog{}
	used := make(map[string]struct{})
	for routeID, tripID := range longest {
		route, ok := buildRoute(routeID, st.routes[routeID], st.tripStops[tripID], st.stops)
		if !ok {
			continue
		}
		for _, rs := range route.Stops {
			used[rs.StopID] = struct{}{}
		}
		catalog.Routes = append(catalog.Routes, route)
	}

	for id, s := range st.stops {
		if _, ok := used[id]; ok {
			catalog.Stops = append(catalog.Stops, s)
		}
	}

	sort.Slice(catalog.Routes, func(i, j int) bool { return catalog.Routes[i].ID < catalog.Routes[j].ID })
	sort.Slice(catalog.Stops, func(i, j int) bool { return catalog.Stops[i].ID < catalog.Stops[j].ID })
	return catalog
}

func buildRoute(id string, info routeInfo, pattern []patternStop, stops map[string]domain.Stop) (domain.Route, bool) {
	pattern = append([]patternStop(nil), pattern...)
	sort.Slice(pattern, func(i, j int) bool { return pattern[i].sequence < pattern[j].sequence })

	route := domain.Route{
		ID:     id,
		Number: info.number,
		Name:   info.name,
		Class:  info.class,
		Active: true,
	}
	if n := len(pattern); n > 2 && pattern[0].stopID == pattern[n-1].stopID {
		route.Circular = true
		pattern = pattern[:n-1]
	}

	for _, ps := range pattern {
		stop, ok := stops[ps.stopID]
		if !ok {
			return domain.Route{}, false
		}
		route.Stops = append(route.Stops, domain.RouteStop{
			StopID:      ps.stopID,
			Sequence:    len(route.Stops) + 1,
			Location:    stop.Location,
			PickupOnly:  ps.pickup,
			DropoffOnly: ps.dropoff,
		})
	}
	if n := len(route.Stops); n > 0 {
		route.Stops[0].DropoffOnly = false
		route.Stops[n-1].PickupOnly = false
	}
	if route.Validate() != nil {
		return domain.Route{}, false
	}
	return route, true
}

// classForRouteType maps basic and extended GTFS route types onto a
// route class.
func classForRouteType(t int) domain.RouteClass {
	switch {
	case t >= 200 && t < 300:
		return domain.RouteClassHighway
	case t == 702:
		return domain.RouteClassExpress
	case t == 701, t == 2, t >= 100 && t < 200:
		return domain.RouteClassSuburban
	default:
		return domain.RouteClassUrban
	}
}

func trimBOM(s string) string {
	if len(s) >= 3 && s[0] == 0xEF && s[1] == 0xBB && s[2] == 0xBF {
		return s[3:]
	}
	return s
}

func makeIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[name] = i
	}
	return idx
}

func getField(record []string, idx map[string]int, field string) string {
	if i, ok := idx[field]; ok && i < len(record) {
		return record[i]
	}
	return ""
}
