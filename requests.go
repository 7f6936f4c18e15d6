package gcontrol

import (
	"fmt"
	"runtime"
)

// RequestGC requests a collection for the given cause, blocking until a
// cycle that started after the request was observed has completed
// (CauseWBBreakpoint returns once such a cycle has started). A
// panic will occur if the cause is not a requestable cause. Explicit
// causes are ignored when explicit GC is disabled by configuration.
func (x *ControlThread) RequestGC(cause Cause) {
	if !cause.isRequestable() {
		panic(fmt.Sprintf(`gcontrol: cause not valid for a requested gc: %s`, cause))
	}

	if cause.IsExplicit() && x.cfg.DisableExplicitGC {
		return
	}
	x.handleRequestedGC(cause)
}

// handleRequestedGC asserts the request inbox and blocks until the gc id
// advances past the value observed at entry.
//
// Requiring a complete cycle matters for weak reference and native
// resource cleanup: a request arriving late in an already running cycle
// would miss cleanup opportunities that appeared before the caller
// asked.
//
// The selector clears the inbox cause after reading it, so a requester
// that lost that race finds its cause erased; it detects this by the gc
// id not having advanced, and loops, reasserting the cause.
//
// CauseWBBreakpoint does not wait between assertions; the requester
// still loops until the id advances, yielding instead of blocking.
func (x *ControlThread) handleRequestedGC(cause Cause) {
	x.gcWaitersMu.Lock()
	defer x.gcWaitersMu.Unlock()

	current := x.gcID.Load()
	required := current + 1
	for current < required {
		// The read side does not take the waiters lock: store the
		// cause before raising the flag, so a reader that sees the
		// flag sees the latest cause.
		x.storeRequestedCause(cause)
		x.gcRequested.Set()
		x.wakeControlThread()
		if cause != CauseWBBreakpoint {
			x.gcWaiters.Wait()
		} else {
			runtime.Gosched()
		}
		current = x.gcID.Load()
	}
}

// RequestConcurrentGC requests a heuristic-driven concurrent cycle on
// the given generation, returning false if the request cannot be
// accepted: a preemption is already pending, a GC is already requested,
// or the heap is already cancelled.
//
// When a cycle is in flight, the request succeeds only as a preemption:
// the target must be the young generation and the in-flight old mark
// must currently allow preemption.
func (x *ControlThread) RequestConcurrentGC(generation GenerationMode) bool {
	if x.preemptionRequested.IsSet() || x.gcRequested.IsSet() || x.heap.CancelledGC() {
		// Ignore subsequent requests from the heuristics.
		return false
	}

	if x.Mode() == ModeNone {
		x.storeRequestedCause(CauseConcurrentGC)
		x.requestedGeneration.Store(int32(generation))
		x.wakeControlThread()
		return true
	}

	if x.preemptOldMarking(generation) {
		x.logger.Info().Log(`preempting old generation mark to allow young gc`)
		x.storeRequestedCause(CauseConcurrentGC)
		x.requestedGeneration.Store(int32(generation))
		x.preemptionRequested.Set()
		x.heap.CancelGC(CauseConcurrentGC)
		x.wakeControlThread()
		return true
	}

	return false
}

// preemptOldMarking consumes the collector-armed preemption window; only
// young collections may preempt.
func (x *ControlThread) preemptOldMarking(generation GenerationMode) bool {
	return generation == GenYoung && x.allowOldPreemption.TryUnset()
}

// HandleAllocFailure is invoked from allocating threads when an
// allocation cannot proceed. It schedules an allocation-failure
// collection, cancelling any in-flight cycle, and blocks until the
// failure has been handled by a completed cycle.
func (x *ControlThread) HandleAllocFailure(req AllocRequest) {
	if x.allocFailureGC.TrySet() {
		// Only report the first allocation failure, and keep repeated
		// episodes from flooding the log.
		if _, ok := x.allocLogLimiter.Allow(CauseAllocFailure); ok {
			x.logger.Info().
				Stringer(`kind`, req.Kind).
				Uint64(`words`, req.Words).
				Str(`size`, humanBytes(req.Words*heapWordSize)).
				Log(`failed to allocate`)
		}

		// Now that the alloc failure GC is scheduled, abort everything
		// else.
		x.heap.CancelGC(CauseAllocFailure)
	}
	x.wakeControlThread()

	x.allocFailureWaitersMu.Lock()
	defer x.allocFailureWaitersMu.Unlock()
	for x.allocFailureGC.IsSet() {
		x.allocFailureWaiters.Wait()
	}
}

// HandleAllocFailureEvac reports that an evacuation allocation could not
// proceed. Unlike HandleAllocFailure it does not block, and it forces
// the cancellation with the distinct evacuation-failure cause.
func (x *ControlThread) HandleAllocFailureEvac(words uint64) {
	if x.allocFailureGC.TrySet() {
		if _, ok := x.allocLogLimiter.Allow(CauseAllocFailureEvac); ok {
			x.logger.Info().
				Uint64(`words`, words).
				Str(`size`, humanBytes(words*heapWordSize)).
				Log(`failed to allocate for evacuation`)
		}
	}

	// Forcefully report the allocation failure.
	x.heap.CancelGC(CauseAllocFailureEvac)
	x.wakeControlThread()
}

// PacingNotifyAlloc records words allocated since the last control-loop
// observation; it never blocks. Only meaningful when pacing is enabled.
func (x *ControlThread) PacingNotifyAlloc(words uint64) {
	x.allocsSeen.Add(words)
}

// NotifyHeapChanged asks the counter refresher to update the monitoring
// counters. Called from the allocation path, so it must stay fast: the
// update itself is amortized onto the periodic task.
func (x *ControlThread) NotifyHeapChanged() {
	if x.doCountersUpdate.IsUnset() {
		x.doCountersUpdate.Set()
	}
}

// notifyGCWaiters wakes blocked requesters after a cycle; serviced
// marks the current request round as satisfied, releasing the request
// flag for the next round.
func (x *ControlThread) notifyGCWaiters(serviced bool) {
	if serviced {
		x.gcRequested.Unset()
	}
	x.gcWaitersMu.Lock()
	defer x.gcWaitersMu.Unlock()
	x.gcWaiters.Broadcast()
}

func (x *ControlThread) notifyAllocFailureWaiters() {
	x.allocFailureGC.Unset()
	x.allocFailureWaitersMu.Lock()
	defer x.allocFailureWaitersMu.Unlock()
	x.allocFailureWaiters.Broadcast()
}
