package compare

import (
	"bytes"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

var slugPattern = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// slugify turns an arbitrary test name into a filesystem-safe baseline name.
func slugify(name string) string {
	slug := slugPattern.ReplaceAllString(strings.TrimSpace(name), "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		return "baseline"
	}
	return slug
}

// BaselineInfo describes one stored baseline image.
type BaselineInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// BaselineStore keeps named baseline screenshots as PNG files in one
// directory, one file per test name.
type BaselineStore struct {
	dir string
}

func NewBaselineStore(dir string) *BaselineStore {
	return &BaselineStore{dir: dir}
}

// Dir returns the store's directory.
func (s *BaselineStore) Dir() string { return s.dir }

// Path returns the on-disk location for a test name, whether or not a
// baseline exists there yet.
func (s *BaselineStore) Path(testName string) string {
	return filepath.Join(s.dir, slugify(testName)+".png")
}

// Exists reports whether a baseline is stored for the test name.
func (s *BaselineStore) Exists(testName string) bool {
	_, err := os.Stat(s.Path(testName))
	return err == nil
}

// Save validates and writes PNG bytes as the baseline for a test name,
// replacing any previous baseline. Returns the stored path.
func (s *BaselineStore) Save(testName string, data []byte) (string, error) {
	if _, err := png.DecodeConfig(bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("baseline is not a valid PNG: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create baseline directory: %w", err)
	}
	path := s.Path(testName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write baseline: %w", err)
	}
	return path, nil
}

// Load reads the stored baseline for a test name.
func (s *BaselineStore) Load(testName string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(testName))
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline %q: %w", testName, err)
	}
	return data, nil
}

// List enumerates stored baselines sorted by name. A missing directory is
// an empty store, not an error.
func (s *BaselineStore) List() ([]BaselineInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read baseline directory: %w", err)
	}

	var infos []BaselineInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		info := BaselineInfo{
			Name: strings.TrimSuffix(entry.Name(), ".png"),
			Path: path,
		}
		if fi, err := entry.Info(); err == nil {
			info.SizeBytes = fi.Size()
			info.ModifiedAt = fi.ModTime()
		}
		if data, err := os.ReadFile(path); err == nil {
			if cfg, err := png.DecodeConfig(bytes.NewReader(data)); err == nil {
				info.Width = cfg.Width
				info.Height = cfg.Height
			}
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}
