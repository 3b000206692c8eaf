package testheap

import (
	"context"
	"sync"
)

// Scheduler is a fake heapiface.SchedulerPolicy that just counts callbacks
// and, if a trigger is wired, delegates the OOM path to it.
type Scheduler struct {
	mu sync.Mutex

	starts, finishes int
	lastEpoch        int64
	lastLiveBytes    int64

	trigger func(ctx context.Context) error
}

// NewScheduler creates a scheduler with no OOM trigger wired.
func NewScheduler() *Scheduler { return &Scheduler{} }

// SetTrigger wires the function ScheduleAndWaitFinished delegates to,
// typically (*gc.Collector).ScheduleFullGC.
func (s *Scheduler) SetTrigger(fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.trigger = fn
	s.mu.Unlock()
}

// OnGCStart satisfies heapiface.SchedulerPolicy.
func (s *Scheduler) OnGCStart() {
	s.mu.Lock()
	s.starts++
	s.mu.Unlock()
}

// OnGCFinish satisfies heapiface.SchedulerPolicy.
func (s *Scheduler) OnGCFinish(epoch int64, liveBytes int64) {
	s.mu.Lock()
	s.finishes++
	s.lastEpoch = epoch
	s.lastLiveBytes = liveBytes
	s.mu.Unlock()
}

// ScheduleAndWaitFinished satisfies heapiface.SchedulerPolicy.
func (s *Scheduler) ScheduleAndWaitFinished(ctx context.Context) error {
	s.mu.Lock()
	trigger := s.trigger
	s.mu.Unlock()

	if trigger == nil {
		return nil
	}

	return trigger(ctx)
}

// Starts reports how many times OnGCStart fired.
func (s *Scheduler) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.starts
}

// Finishes reports how many times OnGCFinish fired.
func (s *Scheduler) Finishes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.finishes
}

// LastLiveBytes reports the liveBytes argument of the most recent
// OnGCFinish call.
func (s *Scheduler) LastLiveBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastLiveBytes
}

// LastEpoch reports the epoch argument of the most recent OnGCFinish call.
func (s *Scheduler) LastEpoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastEpoch
}
