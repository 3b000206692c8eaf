package epoch

import "sync"

// cond is sync.Cond backed by a plain sync.Mutex, matching the monitor
// pattern used by internal/parallelwork.Queue.
type cond struct {
	*sync.Cond
}

func newCond() *cond {
	return &cond{sync.NewCond(&sync.Mutex{})}
}
