// Package artifact stores downloaded and edited sticker files and evicts old ones.
package artifact

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Store writes artifacts into one directory.
// Zero MaxAge or MaxFiles disables that eviction rule.
type Store struct {
	dir      string
	maxAge   time.Duration
	maxFiles int
	seq      atomic.Uint64
	now      func() time.Time
}

// NewStore creates dir if needed.
func NewStore(dir string, maxAge time.Duration, maxFiles int) (*Store, error) {
	if _, err := EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	return &Store{dir: dir, maxAge: maxAge, maxFiles: maxFiles, now: time.Now}, nil
}

// Dir returns the artifact directory.
func (s *Store) Dir() string { return s.dir }

// NewName returns a collision-free file name for a download from correspondent.
// The extension follows the sniffed content type of data.
func (s *Store) NewName(correspondent string, data []byte) string {
	seq := s.seq.Add(1)
	owner := SafeFilename(correspondent)
	owner = strings.ReplaceAll(owner, " ", "_")
	if owner == "" {
		owner = "unknown"
	}
	return fmt.Sprintf("sticker_%s_%d_%d%s", owner, s.now().Unix(), seq, ExtensionFor(data))
}

// Save writes data under name and returns the full path.
func (s *Store) Save(name string, data []byte) (string, error) {
	path := filepath.Join(s.dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// EditedName derives the output name for an edited artifact.
func EditedName(source, ext string) string {
	base := filepath.Base(source)
	return "edited_" + strings.TrimSuffix(base, filepath.Ext(base)) + ext
}

// Prune removes files older than MaxAge, then the oldest files beyond MaxFiles.
// It returns how many files were removed.
func (s *Store) Prune() (int, error) {
	if s.maxAge <= 0 && s.maxFiles <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}

	type file struct {
		path    string
		modTime time.Time
	}
	var files []file
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{path: filepath.Join(s.dir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	removed := 0
	cutoff := s.now().Add(-s.maxAge)
	for i, f := range files {
		expired := s.maxAge > 0 && f.modTime.Before(cutoff)
		overflow := s.maxFiles > 0 && i >= s.maxFiles
		if !expired && !overflow {
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ExtensionFor maps sniffed image content to a file extension.
func ExtensionFor(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/webp":
		return ".webp"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}

// EnsureDir ensures a directory exists, creating it if necessary.
func EnsureDir(path string) (string, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}
	return path, nil
}

// SafeFilename converts a string to a safe filename by replacing unsafe characters.
func SafeFilename(name string) string {
	unsafe := `<>:"/\|?*`
	for _, c := range unsafe {
		name = strings.ReplaceAll(name, string(c), "_")
	}
	return strings.TrimSpace(name)
}
