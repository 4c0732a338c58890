package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/occupancy.report/internal/countlog"
)

// DefaultFileName names a run's chart from its source and the first
// block of its run ID, e.g. "lobby-cam_3f2a9c81.png".
func DefaultFileName(run *countlog.Run, format string) string {
	id := run.RunID
	if i := strings.IndexByte(id, '-'); i > 0 {
		id = id[:i]
	}
	return fmt.Sprintf("%s_%s.%s", sanitize(run.Source), sanitize(id), strings.TrimPrefix(format, "."))
}

// sanitize keeps ASCII letters, digits, dot, underscore and dash, and
// collapses every other run of characters to one underscore.
func sanitize(s string) string {
	const maxLen = 64
	var b strings.Builder
	under := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			under = false
		case !under:
			b.WriteByte('_')
			under = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "run"
	}
	return out
}

// CheckOutputPath rejects chart paths that resolve outside dir, following
// symlinks in the longest existing prefix of path.
func CheckOutputPath(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	realDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}

	// Walk up to the first existing ancestor so a symlinked parent of a
	// file that does not exist yet is still resolved.
	resolved := absPath
	for p := absPath; ; p = filepath.Dir(p) {
		if r, err := filepath.EvalSymlinks(p); err == nil {
			rest, _ := filepath.Rel(p, absPath)
			resolved = filepath.Join(r, rest)
			break
		}
		if filepath.Dir(p) == p {
			break
		}
	}

	rel, err := filepath.Rel(realDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("output %s is outside %s", path, dir)
	}
	return nil
}

// CheckExportPath accepts paths under the working directory or the
// system temp directory.
func CheckExportPath(path string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	for _, dir := range []string{cwd, os.TempDir()} {
		if CheckOutputPath(path, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("output %s must be under %s or %s", path, cwd, os.TempDir())
}
