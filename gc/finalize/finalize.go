// Package finalize implements the Finalizer Pipeline (spec.md C8): a single
// dedicated goroutine that consumes per-epoch finalizer batches in order and
// notifies the epoch state machine when each batch's finalizers have run.
//
// The queue is the same sync.Cond-guarded monitor style as
// internal/parallelwork.Queue, reduced to a single consumer since ordering
// (property 4: finalized(e) observed before finalized(e') for e<e') requires
// batches to be drained strictly in schedule order.
package finalize

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kortex/gcrun/gc/heapiface"
	"github.com/kortex/gcrun/internal/logging"
)

var log = logging.GetContextLoggerFunc("gcrun/finalize")

// Batch pairs a finalizer queue with the epoch it was produced by.
type Batch struct {
	Epoch   int64
	Objects []heapiface.Object
}

// OnEpochDone is called once a batch's finalizers have all run.
type OnEpochDone func(epoch int64)

// Pipeline is the finalizer thread's queue and lifecycle.
type Pipeline struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue         []Batch
	running       bool
	stopRequested bool
	loopDone      chan struct{}

	onDone OnEpochDone
	free   func(heapiface.Object)
}

// New creates a pipeline. onDone is invoked from the finalizer goroutine
// after each batch completes; it must not block on anything the orchestrator
// holds, per §4.8's "must not hold any lock the orchestrator would need".
// free reclaims an object's storage once its finalizer has run — a
// finalizable object is not freed by the sweep pass that found it
// unreachable but only here, on the finalizer goroutine right after its
// finalizer returns, so a finalizer can never observe a half-freed object.
func New(onDone OnEpochDone, free func(heapiface.Object)) *Pipeline {
	p := &Pipeline{onDone: onDone, free: free}
	p.cond = sync.NewCond(&p.mu)

	return p
}

// ScheduleTasks enqueues a batch. Non-blocking (§4.8).
func (p *Pipeline) ScheduleTasks(objects []heapiface.Object, epoch int64) {
	p.mu.Lock()
	p.queue = append(p.queue, Batch{Epoch: epoch, Objects: objects})
	p.cond.Broadcast()
	p.mu.Unlock()
}

// StartFinalizerThreadIfNeeded starts the finalizer goroutine if it isn't
// already running.
func (p *Pipeline) StartFinalizerThreadIfNeeded(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.stopRequested = false
	p.loopDone = make(chan struct{})

	go p.loop(ctx, p.loopDone)
}

func (p *Pipeline) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		p.mu.Lock()

		for len(p.queue) == 0 && !p.stopRequested {
			p.cond.Wait()
		}

		if len(p.queue) == 0 {
			p.running = false
			p.mu.Unlock()

			return
		}

		b := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.runBatch(ctx, b)
	}
}

// runBatch runs every finalizer in b concurrently: property 4's ordering
// requirement is about batches (epoch e's onDone before epoch e+1's), never
// about the order individual finalizers within one batch observe each
// other, so nothing needs them serialized here.
func (p *Pipeline) runBatch(ctx context.Context, b Batch) {
	log(ctx).Debugf("finalize: running %d finalizers for epoch %d", len(b.Objects), b.Epoch)

	var g errgroup.Group

	for _, obj := range b.Objects {
		g.Go(func() error {
			extra, ok := obj.ExtraObjectData()
			if !ok {
				return nil
			}

			extra.RunFinalizer(ctx)

			if p.free != nil {
				p.free(obj)
			}

			return nil
		})
	}

	_ = g.Wait()

	if p.onDone != nil {
		p.onDone(b.Epoch)
	}
}

// StopFinalizerThreadIfRunning requests the finalizer goroutine to drain its
// queue and exit, and blocks until it has done so.
func (p *Pipeline) StopFinalizerThreadIfRunning() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}

	p.stopRequested = true
	done := p.loopDone
	p.cond.Broadcast()
	p.mu.Unlock()

	<-done
}

// FinalizersThreadIsRunning reports whether the finalizer goroutine is
// currently alive.
func (p *Pipeline) FinalizersThreadIsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.running
}
