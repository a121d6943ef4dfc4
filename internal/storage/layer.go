// Package storage provides durability for the committed object graph: an
// append-only journal of committed deltas, full dumps of the store, and
// loading a store back from the last dump plus the journal entries written
// after it.
package storage

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/crypto"
	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/metrics"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
)

// Default file names inside the data directory.
const (
	DefaultDumpFile    = "directory.dump"
	DefaultJournalFile = "directory.journal"
)

// Options configures a Layer.
type Options struct {
	DataDir     string
	DumpFile    string
	JournalFile string
	ArchiveDir  string

	SyncOnAppend      bool
	CompressThreshold int
	CompressDump      bool

	// Key, if set, encrypts new journal records and dumps.
	Key *crypto.Key

	Logger logging.Logger
}

// Layer couples the journal with dump and load for one store.
type Layer struct {
	store   *store.Store
	journal *Journal
	opts    Options
	logger  logging.Logger

	// dumpMu serializes dumps.
	dumpMu    sync.Mutex
	dumpedSeq atomic.Uint64
}

// Open opens the journal in the data directory. Call Load before serving.
func Open(st *store.Store, opts Options) (*Layer, error) {
	if opts.DumpFile == "" {
		opts.DumpFile = DefaultDumpFile
	}
	if opts.JournalFile == "" {
		opts.JournalFile = DefaultJournalFile
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, err
	}

	logger := opts.Logger.WithSource("storage")
	j, err := OpenJournal(filepath.Join(opts.DataDir, opts.JournalFile), JournalOptions{
		SyncOnAppend:      opts.SyncOnAppend,
		CompressThreshold: opts.CompressThreshold,
		Key:               opts.Key,
		Logger:            logger,
	})
	if err != nil {
		return nil, errs.Durability(err, "open journal")
	}

	return &Layer{store: st, journal: j, opts: opts, logger: logger}, nil
}

// DumpPath returns the path of the primary dump file.
func (l *Layer) DumpPath() string {
	return filepath.Join(l.opts.DataDir, l.opts.DumpFile)
}

// Journal returns the underlying journal.
func (l *Layer) Journal() *Journal {
	return l.journal
}

// AppendTransaction writes d durably and assigns its sequence number. It
// returns only after the entry is on stable storage (when sync is on).
func (l *Layer) AppendTransaction(d *object.Delta) error {
	if _, err := l.journal.Append(d); err != nil {
		return errs.Durability(err, "journal append")
	}
	return nil
}

// IsClean reports whether every committed change is already in the last
// dump.
func (l *Layer) IsClean() bool {
	return l.store.Seq() == l.dumpedSeq.Load()
}

// Dump writes the current committed state to path (the primary dump file
// if empty) and then drops the journal entries the dump covers. With
// archive set a compressed copy goes to the archive directory. Commits
// continue while the dump runs; entries after the dump watermark stay in
// the journal.
func (l *Layer) Dump(path string, archive, makeBackup bool) (DumpInfo, error) {
	l.dumpMu.Lock()
	defer l.dumpMu.Unlock()

	if path == "" {
		path = l.DumpPath()
	}
	opts := DumpOptions{Compress: l.opts.CompressDump, MakeBackup: makeBackup, Key: l.opts.Key}
	if archive {
		opts.ArchiveDir = l.opts.ArchiveDir
		if opts.ArchiveDir == "" {
			opts.ArchiveDir = filepath.Join(l.opts.DataDir, "archive")
		}
	}

	snap := l.store.Snapshot()
	info, err := WriteDump(path, l.store.Schema(), snap, opts)
	if err != nil && info.Bytes == 0 {
		metrics.CounterDumps.WithLabelValues("failed").Inc()
		l.logger.Error("dump failed", "path", path, "error", err)
		return info, errs.Durability(err, "write dump")
	}
	if err != nil {
		// The dump itself is in place; only archiving failed.
		l.logger.Warn("dump archive failed", "path", path, "error", err)
	}

	if path == l.DumpPath() {
		l.dumpedSeq.Store(snap.Seq())
		if terr := l.journal.Truncate(snap.Seq()); terr != nil {
			l.logger.Warn("journal compaction failed", "error", terr)
		}
	}

	metrics.CounterDumps.WithLabelValues("ok").Inc()
	metrics.HistogramDumpDuration.Observe(info.Duration.Seconds())
	l.logger.Info("dump written",
		"path", path,
		"watermark", info.Watermark,
		"objects", info.Objects,
		"bytes", info.Bytes,
		"duration", info.Duration,
	)
	return info, nil
}

// LoadInfo describes what Load restored.
type LoadInfo struct {
	DumpWatermark uint64
	DumpObjects   int
	Replayed      int
	Seq           uint64
	Duration      time.Duration
}

// Load replaces the store contents with the dump at path (the primary
// dump file if empty; a missing file means an empty graph) and replays
// every journal entry above the dump watermark.
func (l *Layer) Load(path string) (LoadInfo, error) {
	start := time.Now()
	var info LoadInfo
	if path == "" {
		path = l.DumpPath()
	}

	var objs []*object.Object
	contents, err := ReadDump(path, l.store.Schema(), l.opts.Key)
	switch {
	case err == nil:
		objs = contents.Objects
		info.DumpWatermark = contents.Header.Watermark
		info.DumpObjects = len(objs)
	case os.IsNotExist(err):
		l.logger.Info("no dump found, starting empty", "path", path)
	default:
		return info, errs.Durability(err, "read dump "+path)
	}
	l.store.Replace(objs, info.DumpWatermark)

	entries, err := l.journal.Entries(info.DumpWatermark)
	if err != nil {
		return info, errs.Durability(err, "read journal")
	}
	for _, d := range entries {
		if err := l.store.ApplyCommit(d); err != nil {
			return info, errs.Wrapf(err, "replay journal entry %d", d.Seq)
		}
		info.Replayed++
	}

	l.journal.EnsureSeq(l.store.Seq())
	l.dumpedSeq.Store(info.DumpWatermark)
	info.Seq = l.store.Seq()
	info.Duration = time.Since(start)
	l.logger.Info("store loaded",
		"dump", path,
		"watermark", info.DumpWatermark,
		"objects", info.DumpObjects,
		"replayed", info.Replayed,
		"seq", info.Seq,
	)
	return info, nil
}

// Sync flushes the journal.
func (l *Layer) Sync() error {
	return l.journal.Sync()
}

// Close closes the journal.
func (l *Layer) Close() error {
	return l.journal.Close()
}
