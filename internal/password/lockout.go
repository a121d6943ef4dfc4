package password

import (
	"strings"
	"sync"
	"time"
)

// accountState is the failure history of one login name.
type accountState struct {
	failures   []time.Time
	lockedTime time.Time
}

// Lockout tracks failed logins per account name and locks accounts that
// fail too often. It is safe for concurrent use.
type Lockout struct {
	mu              sync.Mutex
	accounts        map[string]*accountState
	maxFailures     int
	lockoutDuration time.Duration
	failureWindow   time.Duration
}

// NewLockout creates a tracker from the lockout settings of policy.
func NewLockout(policy *Policy) *Lockout {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Lockout{
		accounts:        make(map[string]*accountState),
		maxFailures:     policy.MaxFailures,
		lockoutDuration: policy.LockoutDuration,
		failureWindow:   policy.FailureWindow,
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RecordFailure records a failed login for name.
func (l *Lockout) RecordFailure(name string) {
	l.RecordFailureAt(name, time.Now())
}

// RecordFailureAt records a failed login at a specific time.
func (l *Lockout) RecordFailureAt(name string, now time.Time) {
	if l.maxFailures <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := normalize(name)
	st, ok := l.accounts[key]
	if !ok {
		st = &accountState{}
		l.accounts[key] = st
	}
	st.failures = append(st.failures, now)

	if l.failureWindow > 0 {
		cutoff := now.Add(-l.failureWindow)
		for len(st.failures) > 0 && st.failures[0].Before(cutoff) {
			st.failures = st.failures[1:]
		}
	}

	if len(st.failures) >= l.maxFailures {
		st.lockedTime = now
	}
}

// RecordSuccess clears the failure history of name.
func (l *Lockout) RecordSuccess(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.accounts[normalize(name)]; ok && st.lockedTime.IsZero() {
		delete(l.accounts, normalize(name))
	}
}

// IsLocked returns true if name is currently locked.
func (l *Lockout) IsLocked(name string) bool {
	return l.IsLockedAt(name, time.Now())
}

// IsLockedAt checks the lock at a specific time. An expired lock is
// cleared together with the failure history.
func (l *Lockout) IsLockedAt(name string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := normalize(name)
	st, ok := l.accounts[key]
	if !ok || st.lockedTime.IsZero() {
		return false
	}
	if l.lockoutDuration == 0 || now.Sub(st.lockedTime) < l.lockoutDuration {
		return true
	}
	delete(l.accounts, key)
	return false
}

// Unlock manually unlocks name and clears its failure history.
func (l *Lockout) Unlock(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.accounts, normalize(name))
}

// FailureCount returns the number of recorded failures of name.
func (l *Lockout) FailureCount(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.accounts[normalize(name)]; ok {
		return len(st.failures)
	}
	return 0
}
