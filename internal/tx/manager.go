package tx

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/acl"
	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/metrics"
	"github.com/KilimcininKorOglu/dirmgr/internal/namespace"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/password"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
)

// Manager errors.
var (
	ErrNilStore = errors.New("tx: store is nil")
)

// Durability receives every committed delta before it is applied. It
// assigns d.Seq and returns once the entry is durable.
type Durability interface {
	AppendTransaction(d *object.Delta) error
}

// Notifier is told about every published commit. It must not block.
type Notifier interface {
	Committed(d *object.Delta)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(d *object.Delta)

// Committed calls f(d).
func (f NotifierFunc) Committed(d *object.Delta) { f(d) }

// Options configures a Manager.
type Options struct {
	Store      *store.Store
	Namespaces *namespace.Manager

	// Durability defaults to an in-memory sequencer with no journal.
	Durability Durability

	Notifier Notifier

	// Access defaults to acl.AllowAll.
	Access acl.Checker

	// Passwords hashes plaintext for SetPassword; defaults to the
	// default policy.
	Passwords *password.Hasher

	Logger logging.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// memorySequencer numbers deltas without writing them anywhere. Commits
// are serialized, so the next store sequence number is free.
type memorySequencer struct {
	store *store.Store
}

func (m memorySequencer) AppendTransaction(d *object.Delta) error {
	d.Seq = m.store.Seq() + 1
	return nil
}

// Manager opens transactions and serializes their commits. It owns the
// check-out table that keeps every object in at most one transaction.
type Manager struct {
	store      *store.Store
	ns         *namespace.Manager
	durability Durability
	notifier   Notifier
	access     acl.Checker
	passwords  *password.Hasher
	logger     logging.Logger
	now        func() time.Time

	nextTxID atomic.Uint64

	mu        sync.Mutex
	checkouts map[object.Handle]*Transaction
	active    map[uint64]*Transaction

	// commitMu serializes journal append and store apply so that store
	// order equals journal order.
	commitMu sync.Mutex
}

// NewManager creates a transaction manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, ErrNilStore
	}
	if opts.Namespaces == nil {
		opts.Namespaces = namespace.New(opts.Store.Schema())
	}
	if opts.Durability == nil {
		opts.Durability = memorySequencer{store: opts.Store}
	}
	if opts.Access == nil {
		opts.Access = acl.AllowAll
	}
	if opts.Passwords == nil {
		opts.Passwords = password.NewHasher(nil)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		store:      opts.Store,
		ns:         opts.Namespaces,
		durability: opts.Durability,
		notifier:   opts.Notifier,
		access:     opts.Access,
		passwords:  opts.Passwords,
		logger:     opts.Logger.WithSource("tx"),
		now:        opts.Now,
		checkouts:  make(map[object.Handle]*Transaction),
		active:     make(map[uint64]*Transaction),
	}, nil
}

// Store returns the committed store.
func (m *Manager) Store() *store.Store {
	return m.store
}

// Namespaces returns the namespace manager.
func (m *Manager) Namespaces() *namespace.Manager {
	return m.ns
}

// Open starts a transaction on behalf of p. A nil principal opens a
// system transaction that skips access checks.
func (m *Manager) Open(p *acl.Principal, label string) *Transaction {
	owner := "system"
	if p != nil {
		owner = p.Name
	}
	tx := &Transaction{
		ID:        m.nextTxID.Add(1),
		Owner:     owner,
		Label:     label,
		Principal: p,
		Started:   m.now(),
		m:         m,
		state:     StateOpen,
		working:   make(map[object.Handle]*WorkingObject),
	}

	m.mu.Lock()
	m.active[tx.ID] = tx
	n := len(m.active)
	m.mu.Unlock()

	metrics.GaugeActiveTransactions.Set(float64(n))
	m.logger.Debug("transaction opened", "txid", tx.ID, "owner", owner, "label", label)
	return tx
}

// checkout registers h as checked out by tx.
func (m *Manager) checkout(tx *Transaction, h object.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.checkouts[h]; ok && holder != tx {
		return errs.Newf(errs.ConcurrentEditConflict, "object %s is checked out by transaction %d (%s)", h, holder.ID, holder.Owner)
	}
	m.checkouts[h] = tx
	return nil
}

// checkin releases h if tx holds it.
func (m *Manager) checkin(tx *Transaction, h object.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkouts[h] == tx {
		delete(m.checkouts, h)
	}
}

// finish releases every check-out of tx and forgets it.
func (m *Manager) finish(tx *Transaction) {
	m.mu.Lock()
	for h := range tx.working {
		if m.checkouts[h] == tx {
			delete(m.checkouts, h)
		}
	}
	delete(m.active, tx.ID)
	n := len(m.active)
	m.mu.Unlock()
	metrics.GaugeActiveTransactions.Set(float64(n))
}

// CheckedOutBy returns the id of the transaction holding h.
func (m *Manager) CheckedOutBy(h object.Handle) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.checkouts[h]; ok {
		return tx.ID, true
	}
	return 0, false
}

// Info describes an open transaction.
type Info struct {
	ID          uint64
	Owner       string
	Label       string
	Started     time.Time
	Objects     int
	Checkpoints []string
}

// Active lists the open transactions ordered by id.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	txs := make([]*Transaction, 0, len(m.active))
	for _, tx := range m.active {
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(txs))
	for _, tx := range txs {
		out = append(out, tx.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of open transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
