package gtfs

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const maxArchiveBytes = 512 << 20

// ErrNotModified is returned when the server confirms the archive has not
// changed since the last successful download.
var ErrNotModified = errors.New("gtfs archive not modified")

// Downloader fetches a static GTFS zip archive. It remembers the validators
// of the last successful download and sends them as a conditional request.
type Downloader struct {
	url    string
	client *http.Client
	logger *slog.Logger

	mu           sync.Mutex
	etag         string
	lastModified string
}

func NewDownloader(url string, logger *slog.Logger) *Downloader {
	return &Downloader{
		url:    url,
		client: &http.Client{Timeout: 2 * time.Minute},
		logger: logger.With("component", "gtfs_downloader"),
	}
}

func (d *Downloader) Download(ctx context.Context) (*zip.Reader, []byte, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "busline/1.0")

	d.mu.Lock()
	if d.etag != "" {
		req.Header.Set("If-None-Match", d.etag)
	}
	if d.lastModified != "" {
		req.Header.Set("If-Modified-Since", d.lastModified)
	}
	d.mu.Unlock()

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("download gtfs: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		d.logger.Debug("GTFS archive not modified", "url", d.url)
		return nil, nil, ErrNotModified
	default:
		return nil, nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxArchiveBytes {
		return nil, nil, fmt.Errorf("archive exceeds %d bytes", maxArchiveBytes)
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("open zip: %w", err)
	}

	d.mu.Lock()
	d.etag = resp.Header.Get("ETag")
	d.lastModified = resp.Header.Get("Last-Modified")
	d.mu.Unlock()

	d.logger.Info("GTFS download completed",
		"url", d.url,
		"size_mb", fmt.Sprintf("%.2f", float64(len(data))/(1024*1024)),
		"files_in_archive", len(reader.File),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return reader, data, nil
}
