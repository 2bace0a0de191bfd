package ingestor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"busline/internal/domain"
	"busline/pkg/gtfs"
)

type CatalogWriter interface {
	PutStop(ctx context.Context, s domain.Stop) error
	PutRoute(ctx context.Context, r *domain.Route) (*domain.Route, error)
}

// CatalogImporter keeps stops and routes in sync with a static GTFS feed.
type CatalogImporter struct {
	downloader     *gtfs.Downloader
	parser         *gtfs.Parser
	writer         CatalogWriter
	cacheDir       string
	updateInterval time.Duration
	logger         *slog.Logger
	onUpdate       func(ctx context.Context, routeIDs []string)

	fingerprint string

	ready   bool
	readyMu sync.RWMutex
}

// ImportResult counts what one import wrote and rejected.
type ImportResult struct {
	Stops          int
	Routes         int
	RejectedStops  int
	RejectedRoutes int
	RouteIDs       []string
}

func NewCatalogImporter(url string, writer CatalogWriter, cacheDir string, updateInterval time.Duration, logger *slog.Logger) *CatalogImporter {
	return &CatalogImporter{
		downloader:     gtfs.NewDownloader(url, logger),
		parser:         gtfs.NewParser(logger),
		writer:         writer,
		cacheDir:       cacheDir,
		updateInterval: updateInterval,
		logger:         logger.With("component", "catalog_importer"),
	}
}

func (i *CatalogImporter) Start(ctx context.Context) {
	i.update(ctx)

	ticker := time.NewTicker(i.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.update(ctx)
		}
	}
}

func (i *CatalogImporter) update(ctx context.Context) {
	start := time.Now()

	reader, data, err := i.downloader.Download(ctx)
	if errors.Is(err, gtfs.ErrNotModified) {
		return
	}
	if err != nil {
		i.logger.Error("failed to download GTFS", "error", err)
		return
	}

	fingerprint := gtfs.DataFingerprint(data)
	if fingerprint == i.fingerprint {
		i.logger.Info("GTFS archive unchanged, skipping import", "sha256", fingerprint)
		return
	}

	var catalog *gtfs.Catalog
	if i.cacheDir != "" {
		if cached, path, err := gtfs.LoadCatalog(i.cacheDir, fingerprint); err == nil {
			i.logger.Info("loaded cached catalog", "path", path)
			catalog = cached
		}
	}
	if catalog == nil {
		catalog, err = i.parser.Parse(reader)
		if err != nil {
			i.logger.Error("failed to parse GTFS", "error", err)
			return
		}
		if i.cacheDir != "" {
			if path, err := gtfs.SaveCatalog(i.cacheDir, fingerprint, catalog); err != nil {
				i.logger.Warn("failed to persist catalog cache", "error", err)
			} else {
				i.logger.Debug("persisted catalog cache", "path", path)
			}
		}
	}

	result := i.Apply(ctx, catalog)
	i.fingerprint = fingerprint

	if !i.IsReady() {
		i.setReady(true)
	}
	if i.onUpdate != nil {
		i.onUpdate(ctx, result.RouteIDs)
	}

	i.logger.Info("GTFS import completed",
		"sha256", fingerprint,
		"stops", result.Stops,
		"routes", result.Routes,
		"rejected_stops", result.RejectedStops,
		"rejected_routes", result.RejectedRoutes,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Apply writes the catalog's stops, then its routes. Records the writer
// rejects are logged and skipped.
func (i *CatalogImporter) Apply(ctx context.Context, catalog *gtfs.Catalog) ImportResult {
	var res ImportResult
	for _, s := range catalog.Stops {
		if err := i.writer.PutStop(ctx, s); err != nil {
			res.RejectedStops++
			i.logger.Debug("stop rejected", "stop_id", s.ID, "error", err)
			continue
		}
		res.Stops++
	}

	for _, r := range catalog.Routes {
		route := r
		if _, err := i.writer.PutRoute(ctx, &route); err != nil {
			res.RejectedRoutes++
			i.logger.Debug("route rejected", "route_id", r.ID, "error", err)
			continue
		}
		res.Routes++
		res.RouteIDs = append(res.RouteIDs, r.ID)
	}

	if res.RejectedStops > 0 || res.RejectedRoutes > 0 {
		i.logger.Warn("catalog import had rejections",
			"rejected_stops", res.RejectedStops,
			"rejected_routes", res.RejectedRoutes,
		)
	}
	return res
}

func (i *CatalogImporter) IsReady() bool {
	i.readyMu.RLock()
	defer i.readyMu.RUnlock()
	return i.ready
}

func (i *CatalogImporter) setReady(ready bool) {
	i.readyMu.Lock()
	defer i.readyMu.Unlock()
	i.ready = ready
}

// SetOnUpdate registers a callback that receives the ids of every route
// written by an import.
func (i *CatalogImporter) SetOnUpdate(fn func(ctx context.Context, routeIDs []string)) {
	i.onUpdate = fn
}
