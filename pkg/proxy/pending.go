package proxy

import (
	"sync"

	"github.com/ehcache-go/hotrodproxy/pkg/transport"
)

// pendingTable tracks, per spec.md §3, at most one in-flight mutation
// latch per key plus a single optional all-invalidation slot. The
// teacher's brokerCxn guards its equivalent shared state (resps channel,
// dead flag) with a plain mutex rather than anything lock-free, and
// never holds that mutex across I/O; the same discipline applies here —
// every method below only ever touches the map and returns, never blocks
// on a wait.
type pendingTable struct {
	mu      sync.Mutex
	byKey   map[transport.Key]*latch
	allSlot *latch
}

func newPendingTable() *pendingTable {
	return &pendingTable{byKey: make(map[transport.Key]*latch)}
}

// installOrObserve implements spec.md §4.3's insert-if-absent step: if no
// latch is installed for key, it installs l and reports ownership; if one
// already exists, it returns the existing latch for the caller to wait on
// before retrying.
func (t *pendingTable) installOrObserve(key transport.Key, l *latch) (owner bool, existing *latch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byKey[key]; ok {
		return false, cur
	}
	t.byKey[key] = l
	return true, nil
}

// remove deletes the entry for key if it is exactly l (guards against a
// racing reinstall after a disconnect drain) and fires it. Used both on
// the happy path (HashInvalidationDone) and on the owner's error path.
func (t *pendingTable) remove(key transport.Key, l *latch) {
	t.mu.Lock()
	cur, ok := t.byKey[key]
	if ok && cur == l {
		delete(t.byKey, key)
	}
	t.mu.Unlock()
	l.fire(reasonReleased)
}

// releaseOnDone implements the HashInvalidationDone listener: remove
// whatever latch is registered for key (if any) and fire it. Repeated
// delivery for an already-released key is a no-op (idempotence
// property).
func (t *pendingTable) releaseOnDone(key transport.Key) {
	t.mu.Lock()
	l, ok := t.byKey[key]
	if ok {
		delete(t.byKey, key)
	}
	t.mu.Unlock()
	if ok {
		l.fire(reasonReleased)
	}
}

// installOrObserveAll is the clear-barrier analogue of installOrObserve.
func (t *pendingTable) installOrObserveAll(l *latch) (owner bool, existing *latch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allSlot != nil {
		return false, t.allSlot
	}
	t.allSlot = l
	return true, nil
}

// removeAll clears the all-slot if it is exactly l and fires it.
func (t *pendingTable) removeAll(l *latch) {
	t.mu.Lock()
	if t.allSlot == l {
		t.allSlot = nil
	}
	t.mu.Unlock()
	l.fire(reasonReleased)
}

// releaseAllOnDone implements AllInvalidationDone: atomically take and
// clear the slot, firing whatever was there.
func (t *pendingTable) releaseAllOnDone() {
	t.mu.Lock()
	l := t.allSlot
	t.allSlot = nil
	t.mu.Unlock()
	if l != nil {
		l.fire(reasonReleased)
	}
}

// drain implements onDisconnect: fire every signal in both structures
// and clear them, unblocking every waiter so each observes disconnection
// instead of silently succeeding.
func (t *pendingTable) drain() {
	t.mu.Lock()
	keys := t.byKey
	t.byKey = make(map[transport.Key]*latch)
	all := t.allSlot
	t.allSlot = nil
	t.mu.Unlock()

	for _, l := range keys {
		l.fire(reasonDrained)
	}
	if all != nil {
		all.fire(reasonDrained)
	}
}

// snapshot returns the key set and clear-in-progress flag at the instant
// called, for stamping into a ReconnectMessage (spec.md: "onReconnect's
// advertised key set equals the pending table's key set at the instant
// the handshake executes").
func (t *pendingTable) snapshot() (keys []transport.Key, clearInProgress bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys = make([]transport.Key, 0, len(t.byKey))
	for k := range t.byKey {
		keys = append(keys, k)
	}
	return keys, t.allSlot != nil
}
