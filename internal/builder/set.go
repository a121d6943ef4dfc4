package builder

import (
	"fmt"
	"sort"
	"sync"

	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/scheduler"
)

// Set is the registry of configured builders.
type Set struct {
	mu       sync.RWMutex
	builders map[string]*Builder
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{builders: make(map[string]*Builder)}
}

// Add registers b. Names are unique.
func (s *Set) Add(b *Builder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builders[b.Name()]; ok {
		return fmt.Errorf("%w: duplicate builder %s", ErrInvalidSpec, b.Name())
	}
	s.builders[b.Name()] = b
	return nil
}

// Get returns the named builder.
func (s *Set) Get(name string) (*Builder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.builders[name]
	return b, ok
}

// All returns every builder ordered by name.
func (s *Set) All() []*Builder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Builder, 0, len(s.builders))
	for _, b := range s.builders {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the builder names in order.
func (s *Set) Names() []string {
	all := s.All()
	out := make([]string, len(all))
	for i, b := range all {
		out[i] = b.Name()
	}
	return out
}

// Affected returns the names of the builders watching a type that d
// touched, in name order.
func (s *Set) Affected(d *object.Delta) []string {
	types := d.Types()
	var out []string
	for _, b := range s.All() {
		for _, t := range types {
			if b.Watches(t) {
				out = append(out, b.Name())
				break
			}
		}
	}
	return out
}

// Register adds every builder to sched as an on-demand task.
func (s *Set) Register(sched *scheduler.Scheduler) error {
	for _, b := range s.All() {
		err := sched.Register(scheduler.Task{
			Name:        b.Name(),
			Description: "build " + b.Output(),
			Policy:      scheduler.OnDemand,
			Func:        b.Run,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
