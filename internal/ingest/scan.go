package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

// DefaultInclude matches PDFs at any depth.
var DefaultInclude = []string{"**/*.pdf"}

// ScanOptions controls a folder scan.
type ScanOptions struct {
	// Include patterns are matched against slash-separated paths relative to
	// the root, lower-cased.
	Include []string
	Workers int
	// OnFile is called after each document finishes, from worker goroutines.
	OnFile func(FileReport)
}

// ScanResult is the outcome of Scan. Chunks are ordered by file path and
// then by position within the file.
type ScanResult struct {
	Chunks  []Chunk
	Reports []FileReport
}

// Files lists documents under root that match the include patterns,
// sorted by relative path.
func Files(root string, include []string) ([]string, error) {
	if len(include) == 0 {
		include = DefaultInclude
	}
	for _, p := range include {
		if !doublestar.ValidatePattern(strings.ToLower(p)) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := strings.ToLower(filepath.ToSlash(rel))
		for _, p := range include {
			if ok, _ := doublestar.Match(strings.ToLower(p), name); ok {
				files = append(files, rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Slice(files, func(i, j int) bool {
		return filepath.ToSlash(files[i]) < filepath.ToSlash(files[j])
	})
	return files, nil
}

// Scan ingests every matching document under root with bounded concurrency.
// Chunk sources are slash-separated paths relative to root. Only a failure to
// list the folder or a cancelled ctx is returned as an error; unreadable
// documents appear in the reports.
func (in *Ingestor) Scan(ctx context.Context, root string, opts ScanOptions) (ScanResult, error) {
	files, err := Files(root, opts.Include)
	if err != nil {
		return ScanResult{}, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	perFile := make([][]Chunk, len(files))
	reports := make([]FileReport, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			chunks, report := in.ingestAs(gctx, filepath.Join(root, rel), filepath.ToSlash(rel))
			perFile[i] = chunks
			reports[i] = report
			if opts.OnFile != nil {
				opts.OnFile(report)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ScanResult{}, err
	}
	// A cancelled extraction shows up as a skipped file, not as an error.
	if err := ctx.Err(); err != nil {
		return ScanResult{}, err
	}

	var total int
	for _, c := range perFile {
		total += len(c)
	}
	res := ScanResult{Chunks: make([]Chunk, 0, total), Reports: reports}
	for _, c := range perFile {
		res.Chunks = append(res.Chunks, c...)
	}
	return res, nil
}
