package detect

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/relay/internal/errors"
)

// maxReportedFiles bounds the list returned by ScanProject.
const maxReportedFiles = 50

// ScanOptions limits a project scan.
type ScanOptions struct {
	// Patterns are glob patterns over slash-separated paths relative to
	// the project root. "*" stays within a path segment; "**" crosses
	// segments.
	Patterns []string
	// IgnoreDirs are directory base names that are never descended into.
	IgnoreDirs []string
	// MaxFiles caps the number of files examined. Zero means no cap.
	MaxFiles int
}

// ScanProject returns files under dir matching a pattern whose
// modification time is after since.
func ScanProject(dir string, since time.Time, opts ScanOptions) ([]string, error) {
	if len(opts.Patterns) == 0 {
		return nil, nil
	}
	matchers := make([]glob.Glob, 0, len(opts.Patterns))
	for _, p := range opts.Patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "pattern %q: %v", p, err)
		}
		matchers = append(matchers, g)
	}

	var (
		found   []string
		scanned int
	)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			if d != nil && d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && slices.Contains(opts.IgnoreDirs, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		scanned++
		if opts.MaxFiles > 0 && scanned > opts.MaxFiles {
			return filepath.SkipAll
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(matchers, rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().After(since) {
			return nil
		}
		found = append(found, rel)
		if len(found) >= maxReportedFiles {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return found, err
	}
	return found, nil
}

func matchAny(matchers []glob.Glob, path string) bool {
	for _, g := range matchers {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// readTail returns up to n bytes from the end of path.
func readTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - n
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return ""
	}
	return string(buf)
}
