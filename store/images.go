// Package store persists resolution outcomes: the positive image cache
// (one PNG file per pair, where the file's existence is the presence check)
// and the negative not-found records with TTL and registry-fingerprint
// invalidation.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	kitchencache "github.com/mixmoji/kitchen-cache"
)

// Images is the persistent positive cache of resolved combination images.
type Images struct {
	dir string
}

// NewImages creates the image store rooted at dir, creating it if needed.
func NewImages(dir string) (*Images, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating image cache directory: %w", err)
	}
	return &Images{dir: dir}, nil
}

// Dir returns the cache directory.
func (s *Images) Dir() string { return s.dir }

// Path returns the cache file path for key regardless of existence.
func (s *Images) Path(key kitchencache.PairKey) string {
	return filepath.Join(s.dir, key.String()+".png")
}

// Get returns the path of the cached image for key, or "" when absent.
// Absence is not an error.
func (s *Images) Get(key kitchencache.PairKey) string {
	path := s.Path(key)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// PutAtomic writes data to the cache file for key via a temp file in the
// same directory followed by an atomic rename, so no partial file is ever
// visible under the final name. The temp file is removed on every failure
// path; the write error surfaces to the caller.
func (s *Images) PutAtomic(key kitchencache.PairKey, data []byte) (string, error) {
	target := s.Path(key)

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+key.String()+"-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("writing image: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return target, nil
}

// Delete removes the cached image for key. Missing files are not an error.
func (s *Images) Delete(key kitchencache.PairKey) error {
	err := os.Remove(s.Path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing image: %w", err)
	}
	return nil
}

// Keys lists the pair keys of all cached images.
func (s *Images) Keys() ([]kitchencache.PairKey, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing image cache: %w", err)
	}
	var keys []kitchencache.PairKey
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".png" {
			continue
		}
		keys = append(keys, kitchencache.PairKey(name[:len(name)-len(".png")]))
	}
	return keys, nil
}
