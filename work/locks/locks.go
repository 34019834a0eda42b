package locks

import (
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"mktv-gateway/work/metrics"
)

// ErrTooManyStreams rejects an admission past the per-account ceiling.
var ErrTooManyStreams = errors.New("too many active streams for this account")

// Manager tracks one lightweight lock per concurrent playback session per
// account. Liveness is pull-based: locks are only consulted during admission,
// so pruning happens lazily there instead of on a background sweep. Every
// manifest re-fetch from a polling player refreshes its own lock.
type Manager struct {
	accounts *xsync.MapOf[string, *accountLocks]
	ttl      time.Duration
	ceiling  int
	enforced bool
}

// accountLocks is one account's lock group. The mutex guards the map; gone
// marks a group that was removed from the accounts map while another
// goroutine still held a reference, telling it to retry.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]time.Time // stream id -> last seen
	gone  bool
}

// NewManager builds a Manager. With enforced false, admission always
// succeeds but locks are still tracked for observability.
func NewManager(ttl time.Duration, ceiling int, enforced bool) *Manager {
	return &Manager{
		accounts: xsync.NewMapOf[string, *accountLocks](),
		ttl:      ttl,
		ceiling:  ceiling,
		enforced: enforced,
	}
}

// Admit checks a playback request against the account's live locks. A request
// bearing an already-held stream id refreshes that lock and always passes:
// refreshes never count against the ceiling. A new id past the ceiling fails
// with ErrTooManyStreams.
func (m *Manager) Admit(userID, streamID string) error {
	for {
		group, _ := m.accounts.LoadOrStore(userID, &accountLocks{locks: make(map[string]time.Time)})
		group.mu.Lock()
		if group.gone {
			group.mu.Unlock()
			continue
		}

		now := time.Now()
		m.pruneLocked(group, now)

		if _, held := group.locks[streamID]; held {
			group.locks[streamID] = now
			group.mu.Unlock()
			return nil
		}

		if m.enforced && len(group.locks) >= m.ceiling {
			group.mu.Unlock()
			metrics.AdmissionsRejected.Inc()
			return ErrTooManyStreams
		}

		group.locks[streamID] = now
		metrics.ActiveStreamLocks.Inc()
		group.mu.Unlock()
		return nil
	}
}

// Release drops one of the account's locks, or every one of them when
// streamID is empty (the client's forced full reset after a conflict).
func (m *Manager) Release(userID, streamID string) {
	group, ok := m.accounts.Load(userID)
	if !ok {
		return
	}

	group.mu.Lock()
	if group.gone {
		group.mu.Unlock()
		return
	}

	if streamID == "" {
		metrics.ActiveStreamLocks.Sub(float64(len(group.locks)))
		group.locks = make(map[string]time.Time)
	} else if _, held := group.locks[streamID]; held {
		delete(group.locks, streamID)
		metrics.ActiveStreamLocks.Dec()
	}

	if len(group.locks) == 0 {
		group.gone = true
		m.accounts.Delete(userID)
	}
	group.mu.Unlock()
}

// Count returns the number of live (un-expired) locks an account holds.
func (m *Manager) Count(userID string) int {
	group, ok := m.accounts.Load(userID)
	if !ok {
		return 0
	}

	group.mu.Lock()
	defer group.mu.Unlock()
	if group.gone {
		return 0
	}
	m.pruneLocked(group, time.Now())
	return len(group.locks)
}

// pruneLocked drops locks idle past the liveness window. Caller holds mu.
func (m *Manager) pruneLocked(group *accountLocks, now time.Time) {
	for id, lastSeen := range group.locks {
		if now.Sub(lastSeen) > m.ttl {
			delete(group.locks, id)
			metrics.ActiveStreamLocks.Dec()
		}
	}
}
