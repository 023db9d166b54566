// Package datasource finds trace files and follows them as they grow.
package datasource

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// traceExts are the file extensions recognized as traces when scanning a
// directory.
var traceExts = []string{".log", ".jsonl", ".trace"}

// TraceFile describes a trace found in a traces directory.
type TraceFile struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// ListTraces returns the traces in dir, newest first. An empty dir means the
// working directory. Files at the exclude paths (such as the viewer's own log)
// are skipped.
func ListTraces(dir string, exclude ...string) ([]TraceFile, error) {
	if dir == "" {
		dir = "."
	}
	skip, err := absPaths(exclude)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list traces in %s: %w", dir, err)
	}

	var out []TraceFile
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(traceExts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		path, err := filepath.Abs(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("resolve absolute path for %s: %w", e.Name(), err)
		}
		if slices.Contains(skip, path) {
			continue
		}
		out = append(out, TraceFile{
			Name:    e.Name(),
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	slices.SortFunc(out, func(a, b TraceFile) int {
		return cmp.Or(b.ModTime.Compare(a.ModTime), strings.Compare(a.Name, b.Name))
	})
	return out, nil
}

// Discover picks the trace to open.
// Priority: explicit path (flag or CYCLOTRON_TRACE) > newest trace in dir
// that is not one of the exclude paths.
func Discover(explicit, dir string, exclude ...string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("trace %q: %w", explicit, err)
		}
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return "", fmt.Errorf("resolve absolute path for %s: %w", explicit, err)
		}
		return abs, nil
	}

	traces, err := ListTraces(dir, exclude...)
	if err != nil {
		return "", err
	}
	if len(traces) == 0 {
		if dir == "" {
			dir = "."
		}
		return "", fmt.Errorf("no trace found in %s (looked for %s)", dir, strings.Join(traceExts, ", "))
	}
	return traces[0].Path, nil
}

func absPaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve absolute path for %s: %w", p, err)
		}
		out = append(out, abs)
	}
	return out, nil
}
