package gcontrol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Standard errors.
var (
	// ErrAlreadyRunning is returned when Run is called on a control
	// thread that is already running.
	ErrAlreadyRunning = errors.New(`gcontrol: control thread is already running`)
)

type (
	// ControlThread arbitrates between competing collection triggers
	// and drives at most one collection cycle at a time. Instances must
	// be initialized using the NewControlThread factory, and the loop
	// started via Run, typically on its own goroutine.
	//
	// External threads interact exclusively through the public request
	// surface (RequestGC, RequestConcurrentGC, HandleAllocFailure,
	// HandleAllocFailureEvac, PacingNotifyAlloc, NotifyHeapChanged,
	// SetSoftMaxHeapSize) and the shutdown methods.
	ControlThread struct {
		// betteralign:ignore

		heap       Heap             // configurable
		collectors CollectorFactory // configurable
		cfg        Config           // configurable
		logger     *logiface.Logger[logiface.Event]

		// gcID increments exactly once per selected non-idle mode; it
		// is the sole ground truth for waiter unblocking.
		gcID atomic.Uint64
		mode atomic.Int32

		allocFailureGC      Flag
		gcRequested         Flag
		preemptionRequested Flag
		gracefulShutdown    Flag
		shouldTerminate     Flag
		doCountersUpdate    Flag
		forceCountersUpdate Flag

		// allowOldPreemption is armed by the old-mark collector at the
		// points where the regulator may cancel it without
		// degeneration, and consumed by preemptOldMarking.
		allowOldPreemption Flag

		// request inbox
		requestedCause      atomic.Int32
		requestedGeneration atomic.Int32

		allocsSeen    atomic.Uint64
		softMaxTarget atomic.Uint64

		// loop-private state, touched only by the control goroutine
		degenPoint      DegenPoint
		degenGeneration Generation
		agePeriod       int

		wake chan struct{}

		gcWaitersMu           sync.Mutex
		gcWaiters             sync.Cond
		allocFailureWaitersMu sync.Mutex
		allocFailureWaiters   sync.Cond

		allocLogLimiter *catrate.Limiter

		running atomic.Bool
		done    chan struct{}
	}

	// triggerSnapshot is one iteration's view of the signal set and
	// request inbox.
	triggerSnapshot struct {
		allocFailurePending bool
		explicitRequested   bool
		implicitRequested   bool
		requestedCause      Cause
		requestedGeneration GenerationMode
	}

	// modeDecision is the mode selector's output.
	modeDecision struct {
		mode       Mode
		cause      Cause
		generation Generation
		degenPoint DegenPoint
	}
)

// NewControlThread initializes a control thread for the given heap and
// collector factory. The provided config may be nil. A panic will occur
// if heap or collectors is nil.
func NewControlThread(config *Config, heap Heap, collectors CollectorFactory) *ControlThread {
	if heap == nil {
		panic(`gcontrol: nil heap`)
	}
	if collectors == nil {
		panic(`gcontrol: nil collector factory`)
	}

	x := ControlThread{
		heap:       heap,
		collectors: collectors,
		cfg:        config.withDefaults(),
		degenPoint: DegenOutsideCycle,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		allocLogLimiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
	}
	x.logger = x.cfg.Logger
	x.gcWaiters.L = &x.gcWaitersMu
	x.allocFailureWaiters.L = &x.allocFailureWaitersMu
	x.softMaxTarget.Store(heap.SoftMaxCapacity())

	return &x
}

// GCID returns the identifier of the most recently started cycle. It is
// strictly increasing, advancing exactly once per cycle.
func (x *ControlThread) GCID() uint64 { return x.gcID.Load() }

// Mode returns the current collection mode; ModeNone outside the cycle
// driver.
func (x *ControlThread) Mode() Mode { return Mode(x.mode.Load()) }

// SetSoftMaxHeapSize publishes a new soft-max heap size target. The loop
// observes it on its next iteration, clamping to the heap's capacity
// bounds, and triggers a shrink pass on change.
func (x *ControlThread) SetSoftMaxHeapSize(v uint64) {
	x.softMaxTarget.Store(v)
	x.wakeControlThread()
}

// PrepareForGracefulShutdown asks the loop to exit at the top of its
// next iteration.
func (x *ControlThread) PrepareForGracefulShutdown() {
	x.gracefulShutdown.Set()
	x.wakeControlThread()
}

// InGracefulShutdown reports whether graceful shutdown was requested.
func (x *ControlThread) InGracefulShutdown() bool {
	return x.gracefulShutdown.IsSet()
}

// Stop performs a graceful shutdown, then releases the post-shutdown
// tail and waits for Run to return. An error will be returned if ctx is
// canceled first. Stop must not be called before Run.
func (x *ControlThread) Stop(ctx context.Context) error {
	x.PrepareForGracefulShutdown()
	x.shouldTerminate.Set()
	select {
	case <-x.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the control loop, blocking until the thread is stopped.
// It returns ErrAlreadyRunning if called more than once.
func (x *ControlThread) Run() error {
	if !x.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(x.done)

	stopPeriodic := x.enrollPeriodicTasks()
	defer stopPeriodic()

	lastShrinkTime := time.Now()

	// A shrink period 10x shorter than the uncommit delay keeps the
	// observed lag under a tenth of the true delay.
	shrinkPeriod := x.cfg.UncommitDelay / 10

	// Heuristics are notified of allocation failures and other cycle
	// outcomes here; the decision to trigger a cycle or not is made on
	// the regulator thread.
	globalHeuristics := x.heap.GlobalGeneration().Heuristics()

	for x.gracefulShutdown.IsUnset() && x.shouldTerminate.IsUnset() {
		var s triggerSnapshot
		s.allocFailurePending = x.allocFailureGC.IsSet()
		s.requestedCause = x.loadRequestedCause()
		s.requestedGeneration = GenerationMode(x.requestedGeneration.Load())
		if x.gcRequested.IsSet() {
			s.explicitRequested = s.requestedCause.IsExplicit()
			s.implicitRequested = s.requestedCause.IsImplicit()
		}

		// This iteration has seen this much allocation.
		allocsSeen := x.allocsSeen.Swap(0)

		softMaxChanged := x.checkSoftMaxChanged()

		d := x.selectMode(s)

		if d.mode != ModeNone {
			x.gcID.Add(1)
			x.heap.ResetBytesAllocatedSinceGCStart()

			metaBefore := x.heap.MetaspaceStats()

			// Sample the counters for the whole cycle, even without
			// triggers from the allocation machinery; this captures
			// the phases more accurately.
			x.forceCountersUpdate.Set()

			x.withHeapLock(func() { x.heap.FreeSet().LogStatus() })

			x.heap.SetAgingCycle(false)
			cycleStart := time.Now()

			switch d.mode {
			case ModeConcurrentNormal:
				x.serviceConcurrentNormalCycle(d.generation, d.cause)
			case ModeSTWDegenerated:
				if !x.serviceSTWDegeneratedCycle(d.cause, d.degenPoint) {
					// The degenerated cycle was upgraded to full.
					d.generation = x.heap.GlobalGeneration()
				}
			case ModeSTWFull:
				x.serviceSTWFullCycle(d.cause)
			case ModeMarkingOld:
				x.resumeConcurrentOldCycle(d.generation, d.cause)
			default:
				panic(`gcontrol: unknown gc mode selected`)
			}

			// Waiters re-check the gc id on every cycle: a requester
			// whose cause was consumed by a higher-priority trigger
			// reasserts it on wake.
			x.notifyGCWaiters(s.explicitRequested || s.implicitRequested)
			if s.allocFailurePending {
				x.notifyAllocFailureWaiters()
			}

			x.withHeapLock(func() {
				x.heap.FreeSet().LogStatus()

				// Capacity updates feed the global soft-ref policy;
				// report every time usage goes down.
				x.heap.UpdateCapacityAndUsedAtGC()
				x.heap.RecordWholeHeapExamined()
			})

			// One more refresh to capture the state at the end of the
			// session, then stop forcing.
			x.handleForceCountersUpdate()
			x.forceCountersUpdate.Unset()

			// Retract the forceful part of the soft-ref policy.
			x.heap.SetClearAllSoftRefs(false)

			if x.heap.UnloadClasses() {
				globalHeuristics.ClearMetaspaceOOM()
			}

			x.heap.PhaseTimings().FlushParWorkersToCycle()
			if x.cfg.Pacing {
				x.heap.Pacer().FlushStatsToCycle()
			}

			x.logger.Info().
				Uint64(`gc_id`, x.gcID.Load()).
				Stringer(`mode`, d.mode).
				Stringer(`cause`, d.cause).
				Stringer(`generation`, d.generation.Mode()).
				Dur(`elapsed`, time.Since(cycleStart)).
				Log(`gc cycle stats`)

			x.heap.PhaseTimings().FlushCycleToGlobal()

			x.logMetaspaceChange(metaBefore, x.heap.MetaspaceStats())

			if x.cfg.Pacing {
				x.heap.Pacer().SetupForIdle()
			}

			x.setMode(ModeNone)
		} else if x.cfg.Pacing && allocsSeen > 0 {
			// Let allocators know we have seen this much allocation.
			x.heap.Pacer().ReportAlloc(allocsSeen)
		}

		now := time.Now()
		if x.cfg.Uncommit && (s.explicitRequested || softMaxChanged || now.Sub(lastShrinkTime) > shrinkPeriod) {
			// Explicit GC uncommits down to min capacity; a soft-max
			// change uncommits down to the new target; the periodic
			// pass uncommits suitable regions down to min capacity.
			shrinkBefore := now
			if !s.explicitRequested && !softMaxChanged {
				shrinkBefore = now.Add(-x.cfg.UncommitDelay)
			}
			shrinkUntil := x.heap.MinCapacity()
			if softMaxChanged {
				shrinkUntil = x.heap.SoftMaxCapacity()
			}
			x.serviceUncommit(shrinkBefore, shrinkUntil)
			x.heap.PhaseTimings().FlushCycleToGlobal()
			lastShrinkTime = now
		}

		// Don't wait around after an allocation failure - start the
		// next cycle immediately. The timed wait is necessary because
		// this thread is responsible for feeding the pacer when it
		// does not run a GC.
		if x.allocFailureGC.IsUnset() {
			x.waitForWake(x.cfg.ControlIntervalMax)
		}
	}

	// Wait for the actual stop; can't return earlier, the owner still
	// holds a reference to this thread.
	for x.shouldTerminate.IsUnset() {
		time.Sleep(x.cfg.ControlIntervalMin)
	}

	return nil
}

// selectMode chooses exactly one mode for this iteration, updating the
// degeneration bookkeeping, heuristics, and class-unloading decisions as
// a side effect. It reads the inbox snapshot, decides, and only then
// clears the inbox cause; requesters that lose that race loop on gc id
// advancement.
func (x *ControlThread) selectMode(s triggerSnapshot) (d modeDecision) {
	x.setMode(ModeNone)

	global := x.heap.GlobalGeneration()
	policy := x.heap.Policy()

	d.cause = CauseNone
	d.degenPoint = DegenUnset
	d.generation = global

	switch {
	case s.allocFailurePending:
		// Allocation failure takes precedence: deal with it first.
		x.logger.Info().Log(`trigger: handle allocation failure`)

		d.cause = CauseAllocFailure

		// Consume the degen point, and seed it with the default.
		d.degenPoint = x.degenPoint
		x.degenPoint = DegenOutsideCycle

		if d.degenPoint == DegenOutsideCycle {
			if x.heap.Generational() {
				x.degenGeneration = x.heap.YoungGeneration()
			} else {
				x.degenGeneration = global
			}
		} else if x.degenGeneration == nil {
			panic(`gcontrol: degenerated resume requires a recorded generation`)
		}

		heuristics := x.degenGeneration.Heuristics()
		d.generation = x.degenGeneration
		oldEvacFailed := x.heap.ClearOldEvacuationFailure()

		// Do not bother degenerating if old-generation evacuation
		// failed.
		if x.cfg.DegeneratedGC && heuristics.ShouldDegenerateCycle() && !oldEvacFailed {
			heuristics.RecordAllocationFailureGC()
			policy.RecordAllocFailureToDegenerated(d.degenPoint)
			x.setMode(ModeSTWDegenerated)
		} else {
			heuristics.RecordAllocationFailureGC()
			policy.RecordAllocFailureToFull()
			d.generation = global
			x.setMode(ModeSTWFull)
		}

	case s.explicitRequested:
		d.cause = s.requestedCause
		d.generation = global
		x.logger.Info().
			Stringer(`cause`, d.cause).
			Log(`trigger: explicit gc request`)

		global.Heuristics().RecordRequestedGC()

		if x.cfg.ExplicitGCInvokesConcurrent {
			policy.RecordExplicitToConcurrent()
			x.setMode(ModeConcurrentNormal)
			// Unload and clean up everything.
			x.heap.SetUnloadClasses(global.Heuristics().CanUnloadClasses())
		} else {
			policy.RecordExplicitToFull()
			x.setMode(ModeSTWFull)
		}

	case s.implicitRequested:
		d.cause = s.requestedCause
		d.generation = global
		x.logger.Info().
			Stringer(`cause`, d.cause).
			Log(`trigger: implicit gc request`)

		global.Heuristics().RecordRequestedGC()

		if x.cfg.ImplicitGCInvokesConcurrent {
			policy.RecordImplicitToConcurrent()
			x.setMode(ModeConcurrentNormal)
			x.heap.SetUnloadClasses(global.Heuristics().CanUnloadClasses())
		} else {
			policy.RecordImplicitToFull()
			x.setMode(ModeSTWFull)
		}

	case s.requestedCause == CauseConcurrentGC:
		// The regulator asked for a cycle, or preemption was
		// requested.
		d.cause = CauseConcurrentGC
		d.generation = x.generationFor(s.requestedGeneration)
		x.setMode(ModeConcurrentNormal)

		// Don't start a new old mark if one is already in progress.
		if s.requestedGeneration == GenOld && x.heap.IsConcurrentOldMarkInProgress() {
			d.generation = x.heap.OldGeneration()
			x.setMode(ModeMarkingOld)
		}

		if s.requestedGeneration == GenGlobal {
			x.heap.SetUnloadClasses(global.Heuristics().ShouldUnloadClasses())
		} else {
			x.heap.SetUnloadClasses(false)
		}

	case x.heap.IsConcurrentOldMarkInProgress() || x.heap.IsConcurrentPrepForMixedEvacInProgress():
		// Nobody asked for anything, but an old-generation mark or
		// mixed-evacuation preparation is in progress; resume it.
		d.cause = CauseConcurrentGC
		d.generation = x.heap.OldGeneration()
		x.setMode(ModeMarkingOld)
	}

	// Read, decide, then clear: requesters whose store happened before
	// the snapshot read above are serviced; anyone who loses this race
	// loops, reasserting the cause until a full cycle completes.
	x.storeRequestedCause(CauseNone)

	// Blow all soft references on this cycle, if handling allocation
	// failure, either kind of requested GC, or unconditionally per
	// configuration.
	if d.generation.Mode() == GenGlobal &&
		(s.allocFailurePending || s.explicitRequested || s.implicitRequested || x.cfg.AlwaysClearSoftRefs) {
		x.heap.SetClearAllSoftRefs(true)
	}

	d.mode = x.Mode()
	return
}

func (x *ControlThread) serviceConcurrentNormalCycle(generation Generation, cause Cause) {
	switch generation.Mode() {
	case GenYoung:
		// A young cycle might have interrupted an ongoing old mark;
		// promotions must land above the old regions' mark watermark,
		// never into collection-set regions.
		if x.agePeriod == 0 {
			x.heap.SetAgingCycle(true)
			x.agePeriod = x.cfg.AgingCyclePeriod - 1
		} else {
			x.agePeriod--
		}
		x.logger.Info().Stringer(`generation`, GenYoung).Log(`start gc cycle`)
		x.serviceConcurrentCycle(generation, cause, false)
		generation.LogStatus()
	case GenGlobal:
		x.logger.Info().Stringer(`generation`, GenGlobal).Log(`start gc cycle`)
		x.serviceConcurrentCycle(generation, cause, false)
		generation.LogStatus()
	case GenOld:
		x.logger.Info().Stringer(`generation`, GenOld).Log(`start gc cycle`)
		x.serviceConcurrentOldCycle(cause)
		x.heap.OldGeneration().LogStatus()
	default:
		panic(`gcontrol: unknown generation for concurrent cycle`)
	}
}

// serviceConcurrentOldCycle bootstraps old marking: a young cycle runs
// with old-reference enqueueing enabled, then the old concurrent mark is
// resumed, skipping reset and init mark (the bootstrap did that work).
func (x *ControlThread) serviceConcurrentOldCycle(cause Cause) {
	old := x.heap.OldGeneration()
	young := x.heap.YoungGeneration()

	x.serviceConcurrentCycle(young, cause, true)
	if !x.heap.CancelledGC() {
		// Normally the degen point resets at the top of the loop; the
		// bootstrap young cycle just completed, so reset it here
		// before resuming old marking.
		x.degenPoint = DegenOutsideCycle

		x.heap.PhaseTimings().FlushParWorkersToCycle()
		x.heap.PhaseTimings().FlushCycleToGlobal()

		x.setMode(ModeMarkingOld)
		x.resumeConcurrentOldCycle(old, cause)
	}
}

// serviceConcurrentCycle runs one concurrent cycle. If an allocation
// failure cancels it, the cycle degrades to a degenerated successor on
// the next iteration; a second failure during that successor escalates
// to full.
func (x *ControlThread) serviceConcurrentCycle(generation Generation, cause Cause, bootstrapOld bool) {
	if x.checkCancellationOrDegen(DegenOutsideCycle) {
		return
	}

	gc := x.collectors.Concurrent(generation, bootstrapOld)
	if gc.Collect(cause) {
		// Cycle is complete.
		generation.Heuristics().RecordSuccessConcurrent()
		x.heap.Policy().RecordSuccessConcurrent()
		return
	}

	if !x.heap.CancelledGC() {
		panic(`gcontrol: concurrent collector reported failure without cancellation`)
	}
	x.checkCancellationOrDegen(gc.DegenPoint())
	if generation.Mode() == GenOld {
		panic(`gcontrol: old collection takes a different control path`)
	}
	// Young degenerates to young, global to global.
	x.degenGeneration = generation
}

func (x *ControlThread) resumeConcurrentOldCycle(generation Generation, cause Cause) {
	x.logger.Debug().Log(`resuming old generation mark`)

	gc := x.collectors.Old(generation, &x.allowOldPreemption)
	if gc.Collect(cause) {
		generation.Heuristics().RecordSuccessConcurrent()
		x.heap.Policy().RecordSuccessConcurrent()
	}

	if x.heap.CancelledGC() {
		// The cancellation may have landed after the collector's last
		// poll; the old cycle is still complete, but the cancellation
		// has to be consumed. There is no degenerated old cycle, so
		// the point is outside the cycle; if this was a preemption the
		// point doesn't matter.
		x.checkCancellationOrDegen(DegenOutsideCycle)
	}
}

func (x *ControlThread) serviceSTWFullCycle(cause Cause) {
	gc := x.collectors.Full()
	gc.Collect(cause)

	x.heap.GlobalGeneration().Heuristics().RecordSuccessFull()
	x.heap.Policy().RecordSuccessFull()
}

// serviceSTWDegeneratedCycle returns false if the degenerated cycle was
// upgraded to a full collection.
func (x *ControlThread) serviceSTWDegeneratedCycle(cause Cause, point DegenPoint) bool {
	if point == DegenUnset {
		panic(`gcontrol: degenerated cycle requires a degeneration point`)
	}

	gc := x.collectors.Degenerated(point, x.degenGeneration)
	gc.Collect(cause)

	x.degenGeneration.Heuristics().RecordSuccessDegenerated()
	x.heap.Policy().RecordSuccessDegenerated()
	return !gc.UpgradedToFull()
}

// checkCancellationOrDegen consumes an observed cancellation, returning
// true if the caller should stop the current cycle. Cancellation funnels
// to an allocation-failure degenerated successor, a preemption of old
// marking, or graceful shutdown; anything else is a bug in the caller of
// Heap.CancelGC.
func (x *ControlThread) checkCancellationOrDegen(point DegenPoint) bool {
	if !x.heap.CancelledGC() {
		return false
	}

	if x.gracefulShutdown.IsSet() {
		return true
	}

	if x.allocFailureGC.IsSet() {
		x.degenPoint = point
		return true
	}

	if x.preemptionRequested.IsSet() {
		if GenerationMode(x.requestedGeneration.Load()) != GenYoung {
			panic(`gcontrol: only young collections may preempt old marking`)
		}
		x.preemptionRequested.Unset()

		// Old marking is only cancellable during concurrent mark; an
		// allocation failure would have been caught above. Preemption
		// does not degenerate, so leave the OOM indicator alone.
		x.degenPoint = point
		x.heap.ClearCancelledGC(false)
		return true
	}

	panic(`gcontrol: gc cancelled without allocation failure, graceful shutdown, or preemption request`)
}

func (x *ControlThread) checkSoftMaxChanged() bool {
	newSoftMax := x.softMaxTarget.Load()
	oldSoftMax := x.heap.SoftMaxCapacity()
	if newSoftMax == oldSoftMax {
		return false
	}
	newSoftMax = max(newSoftMax, x.heap.MinCapacity())
	newSoftMax = min(newSoftMax, x.heap.MaxCapacity())
	if newSoftMax == oldSoftMax {
		return false
	}
	x.logger.Info().
		Str(`from`, humanBytes(oldSoftMax)).
		Str(`to`, humanBytes(newSoftMax)).
		Log(`soft max heap size changed`)
	x.heap.SetSoftMaxCapacity(newSoftMax)
	return true
}

func (x *ControlThread) setMode(m Mode) {
	if old := Mode(x.mode.Load()); old != m {
		x.mode.Store(int32(m))
		x.logger.Info().
			Stringer(`from`, old).
			Stringer(`to`, m).
			Log(`gc mode transition`)
	}
}

func (x *ControlThread) generationFor(m GenerationMode) Generation {
	switch m {
	case GenYoung:
		return x.heap.YoungGeneration()
	case GenOld:
		return x.heap.OldGeneration()
	default:
		return x.heap.GlobalGeneration()
	}
}

func (x *ControlThread) loadRequestedCause() Cause {
	return Cause(x.requestedCause.Load())
}

func (x *ControlThread) storeRequestedCause(cause Cause) {
	x.requestedCause.Store(int32(cause))
}

func (x *ControlThread) withHeapLock(fn func()) {
	l := x.heap.Locker()
	l.Lock()
	defer l.Unlock()
	fn()
}

func (x *ControlThread) logMetaspaceChange(before, after MetaspaceStats) {
	x.logger.Debug().
		Str(`used_before`, humanBytes(before.Used)).
		Str(`used_after`, humanBytes(after.Used)).
		Str(`committed_before`, humanBytes(before.Committed)).
		Str(`committed_after`, humanBytes(after.Committed)).
		Log(`metaspace change`)
}

// waitForWake blocks until the control thread is woken or the bounded
// wait elapses.
func (x *ControlThread) waitForWake(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-x.wake:
	case <-t.C:
	}
}

// wakeControlThread wakes the loop if it is waiting; wakes coalesce.
func (x *ControlThread) wakeControlThread() {
	select {
	case x.wake <- struct{}{}:
	default:
	}
}
