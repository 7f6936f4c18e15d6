package gcontrol

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// checkNumGoroutines returns a deferrable that fails the test if the
// goroutine count hasn't settled back to its initial value in time.
func checkNumGoroutines(wait time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(wait)
		for {
			if runtime.NumGoroutine() <= before {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf(`leaked goroutines: started with %d, have %d`, before, runtime.NumGoroutine())
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
}

type (
	fakeHeuristics struct {
		shouldDegenerate atomic.Bool
		canUnload        atomic.Bool
		shouldUnload     atomic.Bool

		allocationFailureGCs atomic.Int32
		requestedGCs         atomic.Int32
		successConcurrent    atomic.Int32
		successFull          atomic.Int32
		successDegenerated   atomic.Int32
		metaspaceOOMClears   atomic.Int32
	}

	fakeGeneration struct {
		mode       GenerationMode
		heuristics *fakeHeuristics
		statusLogs atomic.Int32
	}

	fakePolicy struct {
		allocFailureToDegenerated atomic.Int32
		allocFailureToFull        atomic.Int32
		explicitToConcurrent      atomic.Int32
		explicitToFull            atomic.Int32
		implicitToConcurrent      atomic.Int32
		implicitToFull            atomic.Int32
		successConcurrent         atomic.Int32
		successFull               atomic.Int32
		successDegenerated        atomic.Int32
	}

	fakePacer struct {
		notifies      atomic.Int32
		reportedWords atomic.Uint64
		cycleFlushes  atomic.Int32
		idleSetups    atomic.Int32
	}

	fakeFreeSet struct {
		statusLogs atomic.Int32
	}

	fakeMonitoring struct {
		updates atomic.Int32
	}

	fakeTimings struct {
		parFlushes    atomic.Int32
		globalFlushes atomic.Int32
	}

	fakeRegion struct {
		emptySince time.Time
		empty      bool
	}

	uncommitCall struct {
		shrinkBefore time.Time
		shrinkUntil  uint64
	}

	fakeHeap struct {
		young  *fakeGeneration
		old    *fakeGeneration
		global *fakeGeneration

		generational atomic.Bool

		cancelled       Flag
		lastCancelCause atomic.Int32

		oldMarkInProgress       atomic.Bool
		mixedEvacPrepInProgress atomic.Bool
		oldEvacFailed           atomic.Bool

		unloadClasses atomic.Bool
		clearSoftRefs atomic.Bool
		agingCycle    atomic.Bool
		agingSetTrue  atomic.Int32

		minCap    uint64
		maxCap    uint64
		softMax   atomic.Uint64
		committed atomic.Uint64

		mu        sync.Mutex
		regions   []fakeRegion
		uncommits []uncommitCall

		heapLock sync.Mutex

		freeSet    fakeFreeSet
		pacer      fakePacer
		monitoring fakeMonitoring
		timings    fakeTimings
		policy     fakePolicy

		allocResets       atomic.Int32
		capacityUpdates   atomic.Int32
		wholeHeapExamined atomic.Int32
	}

	// collectorEvent records one Collect invocation, in order.
	collectorEvent struct {
		kind       string // `concurrent`, `degen`, `full`, `old`
		generation GenerationMode
		bootstrap  bool
		point      DegenPoint
		cause      Cause
	}

	collectorResult struct {
		ok         bool
		degenPoint DegenPoint
		upgraded   bool
	}

	// fakeCollectors scripts the four strategies. Collect calls run on
	// the control goroutine; a script may block on test channels to
	// orchestrate interleavings. Without a script every collection
	// succeeds immediately.
	fakeCollectors struct {
		heap *fakeHeap

		// script decides each collection's outcome; nil means success.
		script func(ev collectorEvent) collectorResult

		// armOldPreemption arms the preemption window at the start of
		// every old-mark collection, as the real collector does during
		// concurrent marking.
		armOldPreemption bool

		mu    sync.Mutex
		calls []collectorEvent
	}

	fakeConcurrentCollector struct {
		f          *fakeCollectors
		generation Generation
		bootstrap  bool
		res        collectorResult
	}

	fakeDegeneratedCollector struct {
		f          *fakeCollectors
		point      DegenPoint
		generation Generation
		res        collectorResult
	}

	fakeFullCollector struct {
		f *fakeCollectors
	}

	fakeOldCollector struct {
		f          *fakeCollectors
		generation Generation
		allow      *Flag
	}

	harness struct {
		t          *testing.T
		heap       *fakeHeap
		collectors *fakeCollectors
		ct         *ControlThread
		logBuf     *lockedBuffer
		runErr     chan error
	}

	lockedBuffer struct {
		mu  sync.Mutex
		buf bytes.Buffer
	}
)

func (x *lockedBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *lockedBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func (x *fakeHeuristics) ShouldDegenerateCycle() bool { return x.shouldDegenerate.Load() }
func (x *fakeHeuristics) CanUnloadClasses() bool      { return x.canUnload.Load() }
func (x *fakeHeuristics) ShouldUnloadClasses() bool   { return x.shouldUnload.Load() }
func (x *fakeHeuristics) RecordAllocationFailureGC()  { x.allocationFailureGCs.Add(1) }
func (x *fakeHeuristics) RecordRequestedGC()          { x.requestedGCs.Add(1) }
func (x *fakeHeuristics) RecordSuccessConcurrent()    { x.successConcurrent.Add(1) }
func (x *fakeHeuristics) RecordSuccessFull()          { x.successFull.Add(1) }
func (x *fakeHeuristics) RecordSuccessDegenerated()   { x.successDegenerated.Add(1) }
func (x *fakeHeuristics) ClearMetaspaceOOM()          { x.metaspaceOOMClears.Add(1) }

func (x *fakeGeneration) Mode() GenerationMode   { return x.mode }
func (x *fakeGeneration) Heuristics() Heuristics { return x.heuristics }
func (x *fakeGeneration) LogStatus()             { x.statusLogs.Add(1) }

func (x *fakePolicy) RecordAllocFailureToDegenerated(DegenPoint) { x.allocFailureToDegenerated.Add(1) }
func (x *fakePolicy) RecordAllocFailureToFull()                  { x.allocFailureToFull.Add(1) }
func (x *fakePolicy) RecordExplicitToConcurrent()                { x.explicitToConcurrent.Add(1) }
func (x *fakePolicy) RecordExplicitToFull()                      { x.explicitToFull.Add(1) }
func (x *fakePolicy) RecordImplicitToConcurrent()                { x.implicitToConcurrent.Add(1) }
func (x *fakePolicy) RecordImplicitToFull()                      { x.implicitToFull.Add(1) }
func (x *fakePolicy) RecordSuccessConcurrent()                   { x.successConcurrent.Add(1) }
func (x *fakePolicy) RecordSuccessFull()                         { x.successFull.Add(1) }
func (x *fakePolicy) RecordSuccessDegenerated()                  { x.successDegenerated.Add(1) }

func (x *fakePacer) NotifyWaiters()           { x.notifies.Add(1) }
func (x *fakePacer) ReportAlloc(words uint64) { x.reportedWords.Add(words) }
func (x *fakePacer) FlushStatsToCycle()       { x.cycleFlushes.Add(1) }
func (x *fakePacer) SetupForIdle()            { x.idleSetups.Add(1) }

func (x *fakeFreeSet) LogStatus() { x.statusLogs.Add(1) }

func (x *fakeMonitoring) UpdateCounters() { x.updates.Add(1) }

func (x *fakeTimings) FlushParWorkersToCycle() { x.parFlushes.Add(1) }
func (x *fakeTimings) FlushCycleToGlobal()     { x.globalFlushes.Add(1) }

func newFakeHeap() *fakeHeap {
	h := fakeHeap{
		young:  &fakeGeneration{mode: GenYoung, heuristics: &fakeHeuristics{}},
		old:    &fakeGeneration{mode: GenOld, heuristics: &fakeHeuristics{}},
		global: &fakeGeneration{mode: GenGlobal, heuristics: &fakeHeuristics{}},
		minCap: 2 << 30,
		maxCap: 16 << 30,
	}
	h.generational.Store(true)
	h.young.heuristics.shouldDegenerate.Store(true)
	h.global.heuristics.shouldDegenerate.Store(true)
	h.softMax.Store(8 << 30)
	h.committed.Store(8 << 30)
	return &h
}

func (x *fakeHeap) Generational() bool           { return x.generational.Load() }
func (x *fakeHeap) YoungGeneration() Generation  { return x.young }
func (x *fakeHeap) OldGeneration() Generation    { return x.old }
func (x *fakeHeap) GlobalGeneration() Generation { return x.global }

func (x *fakeHeap) CancelGC(cause Cause) bool {
	if x.cancelled.TrySet() {
		x.lastCancelCause.Store(int32(cause))
		return true
	}
	return false
}

func (x *fakeHeap) CancelledGC() bool          { return x.cancelled.IsSet() }
func (x *fakeHeap) ClearCancelledGC(bool)      { x.cancelled.Unset() }
func (x *fakeHeap) IsConcurrentOldMarkInProgress() bool {
	return x.oldMarkInProgress.Load()
}
func (x *fakeHeap) IsConcurrentPrepForMixedEvacInProgress() bool {
	return x.mixedEvacPrepInProgress.Load()
}
func (x *fakeHeap) ClearOldEvacuationFailure() bool { return x.oldEvacFailed.Swap(false) }
func (x *fakeHeap) SetUnloadClasses(v bool)         { x.unloadClasses.Store(v) }
func (x *fakeHeap) UnloadClasses() bool             { return x.unloadClasses.Load() }
func (x *fakeHeap) SetClearAllSoftRefs(v bool)      { x.clearSoftRefs.Store(v) }

func (x *fakeHeap) SetAgingCycle(v bool) {
	if v {
		x.agingSetTrue.Add(1)
	}
	x.agingCycle.Store(v)
}

func (x *fakeHeap) ResetBytesAllocatedSinceGCStart() { x.allocResets.Add(1) }
func (x *fakeHeap) MinCapacity() uint64              { return x.minCap }
func (x *fakeHeap) MaxCapacity() uint64              { return x.maxCap }
func (x *fakeHeap) SoftMaxCapacity() uint64          { return x.softMax.Load() }
func (x *fakeHeap) SetSoftMaxCapacity(v uint64)      { x.softMax.Store(v) }
func (x *fakeHeap) Committed() uint64                { return x.committed.Load() }

func (x *fakeHeap) NumRegions() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.regions)
}

func (x *fakeHeap) Region(i int) Region {
	x.mu.Lock()
	defer x.mu.Unlock()
	r := x.regions[i]
	return &r
}

func (x *fakeHeap) Uncommit(shrinkBefore time.Time, shrinkUntil uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.uncommits = append(x.uncommits, uncommitCall{shrinkBefore, shrinkUntil})
}

func (x *fakeHeap) uncommitCalls() []uncommitCall {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]uncommitCall(nil), x.uncommits...)
}

func (x *fakeHeap) setRegions(regions ...fakeRegion) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.regions = regions
}

func (x *fakeHeap) Locker() sync.Locker         { return &x.heapLock }
func (x *fakeHeap) FreeSet() FreeSet            { return &x.freeSet }
func (x *fakeHeap) Pacer() Pacer                { return &x.pacer }
func (x *fakeHeap) Monitoring() Monitoring      { return &x.monitoring }
func (x *fakeHeap) PhaseTimings() PhaseTimings  { return &x.timings }
func (x *fakeHeap) Policy() Policy              { return &x.policy }
func (x *fakeHeap) UpdateCapacityAndUsedAtGC()  { x.capacityUpdates.Add(1) }
func (x *fakeHeap) RecordWholeHeapExamined()    { x.wholeHeapExamined.Add(1) }

func (x *fakeHeap) MetaspaceStats() MetaspaceStats {
	return MetaspaceStats{Reserved: 1 << 30, Committed: 256 << 20, Used: 128 << 20}
}

func (x *fakeRegion) EmptyCommittedSince() (time.Time, bool) {
	return x.emptySince, x.empty
}

func (x *fakeCollectors) dispatch(ev collectorEvent) collectorResult {
	x.mu.Lock()
	x.calls = append(x.calls, ev)
	x.mu.Unlock()
	if x.script != nil {
		return x.script(ev)
	}
	return collectorResult{ok: true}
}

func (x *fakeCollectors) callLog() []collectorEvent {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]collectorEvent(nil), x.calls...)
}

func (x *fakeCollectors) Concurrent(generation Generation, bootstrapOld bool) ConcurrentCollector {
	return &fakeConcurrentCollector{f: x, generation: generation, bootstrap: bootstrapOld}
}

func (x *fakeCollectors) Degenerated(point DegenPoint, generation Generation) DegeneratedCollector {
	return &fakeDegeneratedCollector{f: x, point: point, generation: generation}
}

func (x *fakeCollectors) Full() Collector { return &fakeFullCollector{f: x} }

func (x *fakeCollectors) Old(generation Generation, allowPreemption *Flag) Collector {
	return &fakeOldCollector{f: x, generation: generation, allow: allowPreemption}
}

func (x *fakeConcurrentCollector) Collect(cause Cause) bool {
	x.res = x.f.dispatch(collectorEvent{
		kind:       `concurrent`,
		generation: x.generation.Mode(),
		bootstrap:  x.bootstrap,
		cause:      cause,
	})
	return x.res.ok
}

func (x *fakeConcurrentCollector) DegenPoint() DegenPoint { return x.res.degenPoint }

func (x *fakeDegeneratedCollector) Collect(cause Cause) bool {
	x.res = x.f.dispatch(collectorEvent{
		kind:       `degen`,
		generation: x.generation.Mode(),
		point:      x.point,
		cause:      cause,
	})
	// A stop-the-world collection consumes the cancellation.
	x.f.heap.ClearCancelledGC(true)
	return true
}

func (x *fakeDegeneratedCollector) UpgradedToFull() bool { return x.res.upgraded }

func (x *fakeFullCollector) Collect(cause Cause) bool {
	x.f.dispatch(collectorEvent{kind: `full`, generation: GenGlobal, cause: cause})
	x.f.heap.ClearCancelledGC(true)
	return true
}

func (x *fakeOldCollector) Collect(cause Cause) bool {
	if x.f.armOldPreemption {
		x.allow.Set()
	}
	res := x.f.dispatch(collectorEvent{
		kind:       `old`,
		generation: x.generation.Mode(),
		cause:      cause,
	})
	if x.f.armOldPreemption {
		x.allow.TryUnset()
	}
	return res.ok
}

func newTestLogger(buf *lockedBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(buf),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()

	heap := newFakeHeap()
	collectors := &fakeCollectors{heap: heap}

	if cfg == nil {
		cfg = DefaultConfig()
	}
	// Keep test iterations snappy.
	cfg.ControlIntervalMax = time.Millisecond
	cfg.ControlIntervalMin = 100 * time.Microsecond

	h := harness{
		t:          t,
		heap:       heap,
		collectors: collectors,
		logBuf:     new(lockedBuffer),
	}
	if cfg.Logger == nil {
		cfg.Logger = newTestLogger(h.logBuf)
	}
	h.ct = NewControlThread(cfg, heap, collectors)
	return &h
}

func (x *harness) start() {
	x.t.Helper()
	x.runErr = make(chan error, 1)
	go func() { x.runErr <- x.ct.Run() }()
	x.t.Cleanup(func() { x.stop() })
}

func (x *harness) stop() {
	x.t.Helper()
	if x.runErr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(x.t, x.ct.Stop(ctx))
	select {
	case err := <-x.runErr:
		require.NoError(x.t, err)
	case <-ctx.Done():
		x.t.Fatal(`control thread did not stop`)
	}
	x.runErr = nil
}

// eventually polls cond until it holds, for scheduling-dependent state.
func (x *harness) eventually(cond func() bool, msg string) {
	x.t.Helper()
	require.Eventually(x.t, cond, 5*time.Second, time.Millisecond, msg)
}
