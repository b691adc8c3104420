package proxy

import (
	"sync"
	"time"

	rbtree "github.com/twmb/go-rbtree"

	"github.com/ehcache-go/hotrodproxy/pkg/transport"
)

// deadlineItem is the rbtree element ordered purely by deadline, the same
// way the teacher's broker orders in-flight requests for timeout
// purposes (there it's a slice scanned linearly; here, with a barrier
// outstanding per distinct key, an ordered tree keeps reap() from
// becoming an O(pending) scan on every tick).
type deadlineItem struct {
	deadline time.Time
	key      transport.Key
	latch    *latch
}

func (d *deadlineItem) Less(than rbtree.Item) bool {
	return d.deadline.Before(than.(*deadlineItem).deadline)
}

// deadlineReaper proactively fires barrier latches whose deadline has
// passed even if nobody is still waiting on them, so any goroutine still
// blocked on such a latch wakes with ErrTimeout. It only fires the latch:
// the pending table entry stays installed until the next
// HashInvalidationDone or disconnect drain removes it.
// It is a backstop, not the primary timeout path: a live waiter still
// observes its own ctx.Done() immediately in waitFor.
type deadlineReaper struct {
	mu    sync.Mutex
	tree  rbtree.Tree
	nodes map[*latch]*rbtree.Node

	stopCh chan struct{}
	stopOn sync.Once
}

func newDeadlineReaper() *deadlineReaper {
	return &deadlineReaper{
		nodes:  make(map[*latch]*rbtree.Node),
		stopCh: make(chan struct{}),
	}
}

// track registers l to be fired automatically once deadline passes. A
// latch with a zero deadline (caller's context carries none) is never
// tracked, matching spec.md's allowance for callers to wait without a
// deadline.
func (r *deadlineReaper) track(key transport.Key, l *latch, deadline time.Time) {
	if deadline.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.tree.Insert(&deadlineItem{deadline: deadline, key: key, latch: l})
	r.nodes[l] = n
}

// untrack removes l before it fires, for the common case where the
// barrier clears normally well before its deadline.
func (r *deadlineReaper) untrack(l *latch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[l]
	if !ok {
		return
	}
	n.Remove()
	delete(r.nodes, l)
}

// reap fires and removes every tracked latch whose deadline is at or
// before now.
func (r *deadlineReaper) reap(now time.Time) {
	r.mu.Lock()
	var expired []*latch
	for {
		n := r.tree.Min()
		if n == nil {
			break
		}
		item := n.Item.(*deadlineItem)
		if item.deadline.After(now) {
			break
		}
		n.Remove()
		delete(r.nodes, item.latch)
		expired = append(expired, item.latch)
	}
	r.mu.Unlock()

	for _, l := range expired {
		l.fire(reasonExpired)
	}
}

// run polls reap on interval until stop is called.
func (r *deadlineReaper) run(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-t.C:
			r.reap(now)
		}
	}
}

func (r *deadlineReaper) stop() {
	r.stopOn.Do(func() { close(r.stopCh) })
}
