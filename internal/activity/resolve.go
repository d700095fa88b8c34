package activity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// Resolver maps a (resource, start, end) window onto existing partitions.
// It only reads the tree.
type Resolver struct {
	dir string
}

func NewResolver(dir string) *Resolver { return &Resolver{dir: dir} }

// Resolve returns partition paths whose day lies in [start, end], both
// inclusive at day granularity, in ascending chronological order. Days are
// evaluated in start's location. A missing activity root yields no paths.
func (r *Resolver) Resolve(ctx context.Context, resource string, start, end time.Time) ([]string, error) {
	if err := ValidateResource(resource); err != nil {
		return nil, err
	}
	loc := start.Location()
	from := dayOf(start, loc)
	to := dayOf(end, loc)
	if to.Before(from) {
		return nil, nil
	}
	fromMonth := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, loc)

	root := Root(r.dir)
	years, err := numericDirs(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", resource, err)
	}

	var out []string
	for _, y := range years {
		if y.n < from.Year() || y.n > to.Year() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		yDir := filepath.Join(root, y.name)
		months, err := numericDirs(yDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("resolve %s: %w", resource, err)
		}
		for _, m := range months {
			if m.n < 1 || m.n > 12 {
				continue
			}
			first := time.Date(y.n, time.Month(m.n), 1, 0, 0, 0, 0, loc)
			if first.Before(fromMonth) || first.After(to) {
				continue
			}
			mDir := filepath.Join(yDir, m.name)
			days, err := numericDirs(mDir)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, fmt.Errorf("resolve %s: %w", resource, err)
			}
			for _, d := range days {
				day := time.Date(y.n, time.Month(m.n), d.n, 0, 0, 0, 0, loc)
				// Reject names like "31" under February that normalize into March.
				if day.Day() != d.n || day.Before(from) || day.After(to) {
					continue
				}
				dest := filepath.Join(mDir, d.name, resource+partitionExt)
				st, err := os.Stat(dest)
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						continue
					}
					return nil, fmt.Errorf("resolve %s: %w", resource, err)
				}
				if st.Mode().IsRegular() {
					out = append(out, dest)
				}
			}
		}
	}
	return out, nil
}

type numericEntry struct {
	name string
	n    int
}

// numericDirs lists subdirectories with purely numeric names, ordered by
// value so unpadded names still sort chronologically.
func numericDirs(dir string) ([]numericEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]numericEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil || n < 0 {
			continue
		}
		out = append(out, numericEntry{name: e.Name(), n: n})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].n < out[j].n })
	return out, nil
}
