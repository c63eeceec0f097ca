package store

import (
	"strings"
	"sync"
)

// Watcher observes mutations under a key prefix. C carries a coalesced
// "something changed" tick; it never blocks the writer, so several rapid
// writes may collapse into a single tick. Close is idempotent.
type Watcher struct {
	C      chan struct{}
	prefix string
	reg    *watchRegistry
	once   sync.Once
}

// Close unregisters the watcher. After Close returns no further ticks are
// sent, though one buffered tick may still be pending in C.
func (w *Watcher) Close() {
	w.once.Do(func() {
		w.reg.remove(w)
	})
}

type watchRegistry struct {
	mu  sync.Mutex
	set map[*Watcher]struct{}
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{set: make(map[*Watcher]struct{})}
}

func (r *watchRegistry) add(prefix string) *Watcher {
	w := &Watcher{C: make(chan struct{}, 1), prefix: prefix, reg: r}
	r.mu.Lock()
	r.set[w] = struct{}{}
	r.mu.Unlock()
	return w
}

func (r *watchRegistry) remove(w *Watcher) {
	r.mu.Lock()
	delete(r.set, w)
	r.mu.Unlock()
}

// notify wakes every watcher whose prefix covers one of the mutated keys.
// Sends are non-blocking; a watcher that already has a pending tick simply
// coalesces.
func (r *watchRegistry) notify(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for w := range r.set {
		for _, k := range keys {
			if strings.HasPrefix(k, w.prefix) {
				select {
				case w.C <- struct{}{}:
				default:
				}
				break
			}
		}
	}
}
