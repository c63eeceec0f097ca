// Package sync implements the live synchronization core: a generic
// snapshot subscription primitive plus the two consumers built on it, the
// per-user conversation directory and the per-conversation message log.
package sync

import (
	"context"
	"sort"
	"strings"
	"sync"

	"chatsync/pkg/logger"
	"chatsync/pkg/store"
	"chatsync/pkg/telemetry"
)

// Query describes a live query: which collection prefix to watch, plus
// optional client-side filter and sort applied to each snapshot before
// delivery.
type Query struct {
	// Collection is the store key prefix that identifies the watched
	// collection (e.g. store.ConversationsCollection).
	Collection string
	// List fetches the current full result set.
	List func() ([]store.Record, error)
	// Filter keeps a record in the snapshot when it returns true. Nil
	// keeps everything.
	Filter func(r store.Record) bool
	// Less orders the snapshot. Nil keeps store iteration order.
	Less func(a, b store.Record) bool
}

// Snapshot is a single delivery: the full ordered result set at a point in
// time, or the error that broke the subscription.
type Snapshot struct {
	Records []store.Record
	Err     error
}

// Subscription is a live query handle. The first delivery on C is the
// current full result set; each subsequent delivery reflects a detected
// change. Deliveries are in order and never overlap; rapid writes may
// coalesce into one delivery. C is closed after Close.
type Subscription struct {
	C chan Snapshot

	watcher *store.Watcher
	closed  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Open starts a live subscription for the query. The caller owns the
// returned handle and must Close it; ctx cancellation closes it as well.
func Open(ctx context.Context, st *store.Store, q Query) *Subscription {
	s := &Subscription{
		C:       make(chan Snapshot, 1),
		watcher: st.Watch(q.Collection),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	telemetry.SubscriptionsActive.Inc()
	go s.run(ctx, q)
	return s
}

// Close tears the subscription down. It is idempotent, safe to call
// concurrently with an in-flight delivery, and guarantees that no delivery
// is sent after it returns.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.watcher.Close()
		<-s.done
		close(s.C)
		telemetry.SubscriptionsActive.Dec()
	})
}

func (s *Subscription) run(ctx context.Context, q Query) {
	defer close(s.done)

	// initial snapshot, then one per change tick
	if !s.deliver(ctx, q) {
		return
	}
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case <-s.watcher.C:
			if !s.deliver(ctx, q) {
				return
			}
		}
	}
}

// deliver evaluates the query and pushes one snapshot. It returns false
// when the subscription was closed while sending.
func (s *Subscription) deliver(ctx context.Context, q Query) bool {
	snap := evaluate(q)
	select {
	case s.C <- snap:
		telemetry.SnapshotsDelivered.WithLabelValues(collectionKind(q.Collection)).Inc()
		return true
	case <-s.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// collectionKind folds per-conversation message prefixes into one metric
// label so label cardinality stays bounded.
func collectionKind(collection string) string {
	if strings.Contains(collection, ":msg:") {
		return "messages"
	}
	return "conversations"
}

func evaluate(q Query) Snapshot {
	recs, err := q.List()
	if err != nil {
		logger.Error("subscription_query_failed", "collection", q.Collection, "error", err)
		return Snapshot{Err: err}
	}
	if q.Filter != nil {
		kept := recs[:0]
		for _, r := range recs {
			if q.Filter(r) {
				kept = append(kept, r)
			}
		}
		recs = kept
	}
	if q.Less != nil {
		sort.SliceStable(recs, func(i, j int) bool { return q.Less(recs[i], recs[j]) })
	}
	return Snapshot{Records: recs}
}
