package query

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/metrics"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
)

// DefaultChunkSize is the number of objects one worker evaluates at a
// time.
const DefaultChunkSize = 512

// Options configures an Engine.
type Options struct {
	Logger logging.Logger

	// Workers bounds parallel evaluation (default GOMAXPROCS).
	Workers int

	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int
}

// Engine evaluates queries against committed snapshots of a store.
type Engine struct {
	store   *store.Store
	logger  logging.Logger
	workers int
	chunk   int
}

// Result is the outcome of a query.
type Result struct {
	Type    object.TypeID
	Fields  []string
	Handles []object.Handle

	// Seq is the commit sequence of the snapshot the query saw.
	Seq uint64
}

// NewEngine creates an engine over st.
func NewEngine(st *store.Store, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Engine{
		store:   st,
		logger:  opts.Logger.WithSource("query"),
		workers: opts.Workers,
		chunk:   opts.ChunkSize,
	}
}

// Query compiles text against type t and evaluates it against the
// current snapshot.
func (e *Engine) Query(ctx context.Context, t object.TypeID, text string) (*Result, error) {
	typ, err := e.store.GetType(t)
	if err != nil {
		return nil, err
	}
	plan, err := Compile(e.store.Schema(), typ, text)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, plan)
}

// QueryHandles is Query returning only the matching handles.
func (e *Engine) QueryHandles(ctx context.Context, t object.TypeID, text string) ([]object.Handle, error) {
	res, err := e.Query(ctx, t, text)
	if err != nil {
		return nil, err
	}
	return res.Handles, nil
}

// QueryText evaluates a query that names its type in the from clause.
func (e *Engine) QueryText(ctx context.Context, text string) (*Result, error) {
	q, err := Parse(text)
	if err != nil {
		return nil, err
	}
	plan, err := CompileQuery(e.store.Schema(), nil, q)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, plan)
}

// Run evaluates a compiled plan against the current snapshot.
func (e *Engine) Run(ctx context.Context, plan *Plan) (*Result, error) {
	start := time.Now()
	snap := e.store.Snapshot()

	matches, err := e.evaluate(ctx, snap, plan)
	if err != nil {
		return nil, err
	}

	res := &Result{Type: plan.Type.ID, Seq: snap.Seq()}
	for _, f := range plan.Fields {
		res.Fields = append(res.Fields, f.Name)
	}
	res.Handles = make([]object.Handle, 0, matches.GetCardinality())
	it := matches.Iterator()
	for it.HasNext() {
		res.Handles = append(res.Handles, object.Handle{Type: plan.Type.ID, ID: it.Next()})
	}

	elapsed := time.Since(start)
	metrics.HistogramQueryDuration.Observe(elapsed.Seconds())
	e.logger.Debug("query evaluated", "type", plan.Type.Name, "matches", len(res.Handles), "duration", elapsed)
	return res, nil
}

// evaluate matches every object of the plan's type in parallel chunks
// and returns the local ids of the matches.
func (e *Engine) evaluate(ctx context.Context, snap *store.Snapshot, plan *Plan) (*roaring.Bitmap, error) {
	var objs []*object.Object
	snap.Scan(plan.Type.ID, func(obj *object.Object) bool {
		objs = append(objs, obj)
		return true
	})

	result := roaring.New()
	if len(objs) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for lo := 0; lo < len(objs); lo += e.chunk {
		chunk := objs[lo:min(lo+e.chunk, len(objs))]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			local := roaring.New()
			for _, obj := range chunk {
				if plan.Match(snap, obj) {
					local.Add(obj.Handle.ID)
				}
			}
			mu.Lock()
			result.Or(local)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errs.Wrap(err, "query cancelled")
	}
	return result, nil
}

// Rows returns the selected field values of each result object, in
// result order. Objects deleted since the query ran are skipped.
func (e *Engine) Rows(res *Result) [][][]object.Value {
	typ, err := e.store.GetType(res.Type)
	if err != nil {
		return nil
	}
	snap := e.store.Snapshot()
	rows := make([][][]object.Value, 0, len(res.Handles))
	for _, h := range res.Handles {
		obj, ok := snap.Get(h)
		if !ok {
			continue
		}
		row := make([][]object.Value, len(res.Fields))
		for i, name := range res.Fields {
			if f, err := typ.FieldByName(name); err == nil {
				row[i] = obj.Get(f.ID)
			}
		}
		rows = append(rows, row)
	}
	return rows
}
