package gtfs

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

func DataFingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func catalogCachePath(cacheDir, fingerprint string) string {
	return filepath.Join(cacheDir, fmt.Sprintf("gtfs_catalog_%s.gob.gz", fingerprint))
}

// LoadCatalog reads a catalog previously saved for the archive with the
// given fingerprint.
func LoadCatalog(cacheDir, fingerprint string) (*Catalog, string, error) {
	path := catalogCachePath(cacheDir, fingerprint)
	f, err := os.Open(path)
	if err != nil {
		return nil, path, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, path, err
	}
	defer zr.Close()

	var catalog Catalog
	if err := gob.NewDecoder(zr).Decode(&catalog); err != nil {
		return nil, path, err
	}

	if len(catalog.Routes) == 0 || len(catalog.Stops) == 0 {
		return nil, path, fmt.Errorf("cached catalog is incomplete")
	}

	return &catalog, path, nil
}

// SaveCatalog writes through a temporary file so readers never see a
// partial cache entry.
func SaveCatalog(cacheDir, fingerprint string, catalog *Catalog) (string, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", err
	}

	path := catalogCachePath(cacheDir, fingerprint)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}

	zw, err := gzip.NewWriterLevel(f, gzip.BestSpeed)
	if err != nil {
		f.Close()
		return "", err
	}

	encErr := gob.NewEncoder(zw).Encode(catalog)
	closeErr := zw.Close()
	fileCloseErr := f.Close()
	for _, err := range []error{encErr, closeErr, fileCloseErr} {
		if err != nil {
			_ = os.Remove(tmpPath)
			return "", err
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	return path, nil
}
