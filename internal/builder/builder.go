// Package builder renders export files from the committed object graph.
//
// A Builder watches a set of object types and renders a text/template
// over their objects into an output file. It remembers the per-type
// commit sequence it last built from and skips work when none of its
// types changed, unless a run carries the forcebuild option. Output files
// are replaced atomically and left untouched when the rendering did not
// change. Successive builds of one builder are spaced by a rate limiter.
//
// Builders run as on-demand scheduler tasks; a commit notifier demands the
// builders whose types a commit touched (see Set.Affected).
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"text/template"
	"time"

	"golang.org/x/time/rate"

	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/metrics"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/query"
	"github.com/KilimcininKorOglu/dirmgr/internal/scheduler"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
)

// ErrInvalidSpec is returned for unusable builder specifications.
var ErrInvalidSpec = errors.New("builder: invalid spec")

// Build outcomes, as recorded in metrics and Status.
const (
	OutcomeBuilt     = "built"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// DefaultMode is the permission of output files.
const DefaultMode os.FileMode = 0o644

// Spec describes one export task.
type Spec struct {
	Name string

	// Template names a stock template. TemplateText or TemplateFile
	// replace it with a custom one.
	Template     string
	TemplateText string
	TemplateFile string

	// Types are the watched type names. Stock templates supply their own
	// when this is empty.
	Types []string

	Output string
	Mode   os.FileMode

	// Filter is a predicate restricting the objects of the first watched
	// type, e.g. `disabled == false`.
	Filter string

	// MinInterval is the minimum time between two builds.
	MinInterval time.Duration
}

// Options configures a Builder.
type Options struct {
	Logger logging.Logger
	Now    func() time.Time
}

// Builder is one export task.
type Builder struct {
	name    string
	store   *store.Store
	types   []*schema.ObjectType
	tmpl    *template.Template
	filter  *query.Plan
	output  string
	mode    os.FileMode
	limiter *rate.Limiter
	logger  logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	built   map[object.TypeID]uint64
	builds  uint64
	last    time.Time
	outcome string
}

// Status is a snapshot of a builder's state.
type Status struct {
	Name        string
	Output      string
	Types       []string
	Builds      uint64
	LastBuild   time.Time
	LastOutcome string
	Stale       bool
}

// New creates a builder over st from spec.
func New(st *store.Store, spec Spec, opts Options) (*Builder, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidSpec)
	}
	if spec.Output == "" {
		return nil, fmt.Errorf("%w: %s: missing output", ErrInvalidSpec, spec.Name)
	}

	text, types, err := spec.template()
	if err != nil {
		return nil, err
	}
	if len(spec.Types) > 0 {
		types = spec.Types
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: %s: no watched types", ErrInvalidSpec, spec.Name)
	}

	b := &Builder{
		name:   spec.Name,
		store:  st,
		output: spec.Output,
		mode:   spec.Mode,
		logger: opts.Logger.WithSource("builder").WithFields("builder", spec.Name),
		now:    opts.Now,
		built:  make(map[object.TypeID]uint64),
	}
	if b.mode == 0 {
		b.mode = DefaultMode
	}
	if spec.MinInterval > 0 {
		b.limiter = rate.NewLimiter(rate.Every(spec.MinInterval), 1)
	}

	for _, name := range types {
		t, err := st.Schema().TypeByName(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: unknown type %q", ErrInvalidSpec, spec.Name, name)
		}
		b.types = append(b.types, t)
	}

	b.tmpl, err = template.New(spec.Name).Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSpec, spec.Name, err)
	}

	if spec.Filter != "" {
		b.filter, err = query.CompilePredicate(st.Schema(), b.types[0], spec.Filter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: filter: %v", ErrInvalidSpec, spec.Name, err)
		}
	}
	return b, nil
}

func (spec Spec) template() (string, []string, error) {
	switch {
	case spec.TemplateText != "":
		return spec.TemplateText, nil, nil
	case spec.TemplateFile != "":
		data, err := os.ReadFile(spec.TemplateFile)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s: %v", ErrInvalidSpec, spec.Name, err)
		}
		return string(data), nil, nil
	case spec.Template != "":
		st, ok := stockTemplates[spec.Template]
		if !ok {
			return "", nil, fmt.Errorf("%w: %s: unknown template %q", ErrInvalidSpec, spec.Name, spec.Template)
		}
		return st.text, st.types, nil
	}
	return "", nil, fmt.Errorf("%w: %s: no template", ErrInvalidSpec, spec.Name)
}

// Name returns the builder's name, which is also its task name.
func (b *Builder) Name() string {
	return b.name
}

// Output returns the path of the output file.
func (b *Builder) Output() string {
	return b.output
}

// Watches reports whether t is one of the builder's types.
func (b *Builder) Watches(t object.TypeID) bool {
	for _, w := range b.types {
		if w.ID == t {
			return true
		}
	}
	return false
}

// Stale reports whether a watched type changed since the last build.
func (b *Builder) Stale() bool {
	snap := b.store.Snapshot()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.staleLocked(snap)
}

func (b *Builder) staleLocked(snap *store.Snapshot) bool {
	if b.builds == 0 {
		return true
	}
	for _, t := range b.types {
		if snap.TypeSeq(t.ID) != b.built[t.ID] {
			return true
		}
	}
	return false
}

// Run is the scheduler entry point.
func (b *Builder) Run(ctx context.Context, run *scheduler.Run) error {
	_, err := b.Build(ctx, run.Has(scheduler.OptionForceBuild))
	return err
}

// Build renders and writes the output if a watched type changed or force
// is set, and returns the outcome.
func (b *Builder) Build(ctx context.Context, force bool) (string, error) {
	snap := b.store.Snapshot()

	b.mu.Lock()
	stale := b.staleLocked(snap)
	b.mu.Unlock()
	if !stale && !force {
		b.record(OutcomeSkipped, snap, false)
		return OutcomeSkipped, nil
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return OutcomeFailed, err
		}
	}

	start := time.Now()
	out, err := b.Render(snap)
	if err != nil {
		b.record(OutcomeFailed, snap, false)
		return OutcomeFailed, err
	}

	outcome := OutcomeBuilt
	if existing, err := os.ReadFile(b.output); err == nil && bytes.Equal(existing, out) {
		outcome = OutcomeUnchanged
	} else if err := writeAtomic(b.output, out, b.mode); err != nil {
		b.record(OutcomeFailed, snap, false)
		return OutcomeFailed, fmt.Errorf("builder %s: write %s: %w", b.name, b.output, err)
	}

	b.record(outcome, snap, true)
	b.logger.Info("export built", "outcome", outcome, "output", b.output, "seq", snap.Seq(),
		"bytes", len(out), "duration", time.Since(start), "forced", force)
	return outcome, nil
}

func (b *Builder) record(outcome string, snap *store.Snapshot, built bool) {
	metrics.CounterBuilds.WithLabelValues(b.name, outcome).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcome = outcome
	if !built {
		return
	}
	b.builds++
	b.last = b.now()
	for _, t := range b.types {
		b.built[t.ID] = snap.TypeSeq(t.ID)
	}
}

// Render executes the template against snap.
func (b *Builder) Render(snap *store.Snapshot) ([]byte, error) {
	data := &Data{
		Builder: b.name,
		Seq:     snap.Seq(),
		Time:    b.now().UTC(),
		Objects: make(map[string][]Record, len(b.types)),
		snap:    snap,
		schema:  b.store.Schema(),
	}
	for i, t := range b.types {
		var recs []Record
		snap.Scan(t.ID, func(obj *object.Object) bool {
			if i == 0 && b.filter != nil && !b.filter.Match(snap, obj) {
				return true
			}
			recs = append(recs, Record{obj: obj, typ: t, data: data})
			return true
		})
		data.Objects[t.Name] = recs
	}

	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("builder %s: render: %w", b.name, err)
	}
	return buf.Bytes(), nil
}

// Status returns the builder's state.
func (b *Builder) Status() Status {
	snap := b.store.Snapshot()
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Name:        b.name,
		Output:      b.output,
		Builds:      b.builds,
		LastBuild:   b.last,
		LastOutcome: b.outcome,
		Stale:       b.staleLocked(snap),
	}
	for _, t := range b.types {
		st.Types = append(st.Types, t.Name)
	}
	return st
}

// writeAtomic replaces path with data through a synced temporary file in
// the same directory.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
