// Package ingest finds invoice files on disk and watches folders for new ones.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joseph-ayodele/invoice-fusion/constants"
)

// DirStats counts what a directory walk saw.
type DirStats struct {
	Scanned int
	Matched int
	Skipped int
	Failed  int
}

// ExtSet builds a lookup set from extensions such as ".PDF" or "png".
// An empty list yields the default invoice formats.
func ExtSet(exts []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, e := range exts {
		if e = constants.NormalizeExt(e); e != "" {
			out[e] = struct{}{}
		}
	}
	if len(out) == 0 {
		for e := range constants.AllowedExtensions {
			out[e] = struct{}{}
		}
	}
	return out
}

// Allowed reports whether path has an extension in exts.
func Allowed(path string, exts map[string]struct{}) bool {
	ext := constants.NormalizeExt(filepath.Ext(path))
	if ext == "" {
		return false
	}
	_, ok := exts[ext]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && base != "." && base != ".."
}

// Discover walks root and returns the files whose extension is in exts, sorted by path.
// Walk errors on individual entries are counted and skipped; only a bad root fails.
func Discover(root string, exts []string, skipHidden bool) ([]string, DirStats, error) {
	var stats DirStats
	if strings.TrimSpace(root) == "" {
		return nil, stats, errors.New("root path is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, stats, fmt.Errorf("stat root: %w", err)
	}
	set := ExtSet(exts)
	if !info.IsDir() {
		stats.Scanned = 1
		if !Allowed(root, set) {
			stats.Skipped = 1
			return nil, stats, nil
		}
		stats.Matched = 1
		return []string{root}, stats, nil
	}

	var out []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			stats.Failed++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path != root && skipHidden && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			stats.Skipped++
			return nil
		}
		if d.IsDir() {
			return nil
		}
		stats.Scanned++
		if !d.Type().IsRegular() || !Allowed(path, set) {
			stats.Skipped++
			return nil
		}
		stats.Matched++
		out = append(out, path)
		return nil
	})
	if err != nil {
		return out, stats, fmt.Errorf("walk: %w", err)
	}
	sort.Strings(out)
	return out, stats, nil
}

// HashFile returns the hex sha256 of the file contents and its size in bytes.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
