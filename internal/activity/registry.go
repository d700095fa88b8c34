package activity

import (
	"errors"
	"sort"
	"sync"

	logx "taskboard/pkg/logx"
)

// Registry hands out one Recorder per resource, created on first use, so a
// process never runs two writers for the same partition.
type Registry struct {
	base RecorderOptions

	mu     sync.Mutex
	recs   map[string]*Recorder
	closed bool
}

var ErrRegistryClosed = errors.New("activity: registry closed")

// NewRegistry uses base for every Recorder it creates; base.Resource is ignored.
func NewRegistry(base RecorderOptions) *Registry {
	return &Registry{base: base, recs: map[string]*Recorder{}}
}

// Get returns the Recorder for resource, creating it if needed.
func (g *Registry) Get(resource string) (*Recorder, error) {
	if err := ValidateResource(resource); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrRegistryClosed
	}
	if r, ok := g.recs[resource]; ok {
		return r, nil
	}
	opts := g.base
	opts.Resource = resource
	if !opts.Log.IsZero() {
		opts.Log = opts.Log.With(logx.String("comp", "activity"))
	}
	r, err := NewRecorder(opts)
	if err != nil {
		return nil, err
	}
	g.recs[resource] = r
	return r, nil
}

// Resources lists resources with an active Recorder, sorted.
func (g *Registry) Resources() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.recs))
	for k := range g.recs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Close stops every Recorder. Further Get calls fail.
func (g *Registry) Close() error {
	g.mu.Lock()
	recs := g.recs
	g.recs = map[string]*Recorder{}
	g.closed = true
	g.mu.Unlock()

	var errs []error
	for _, r := range recs {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
