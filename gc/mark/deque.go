package mark

import (
	"sync"

	"github.com/kortex/gcrun/gc/heapiface"
)

// deque is one worker's share of the gray worklist: a growable slice guarded
// by its own mutex. The owner pushes/pops from the back (LIFO, cache
// friendly); other workers steal from the front (FIFO, so a steal takes the
// oldest, least-likely-to-be-touched-again item). This mirrors the
// front/back split in internal/parallelwork.Queue (EnqueueFront vs
// EnqueueBack) generalized from one shared queue to one queue per worker.
type deque struct {
	mu    sync.Mutex
	items []heapiface.Object
}

func newDeque() *deque { return &deque{} }

func (q *deque) pushLocal(o heapiface.Object) {
	q.mu.Lock()
	q.items = append(q.items, o)
	q.mu.Unlock()
}

func (q *deque) popLocal() (heapiface.Object, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 {
		return nil, false
	}

	o := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]

	return o, true
}

func (q *deque) steal() (heapiface.Object, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	o := q.items[0]
	q.items = q.items[1:]

	return o, true
}

func (q *deque) sizeHint() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *deque) empty() bool {
	return q.sizeHint() == 0
}
