package gcontrol

import (
	"sync"
	"time"
)

type (
	// Heap is the control loop's borrowed handle to heap state. The heap
	// owns the control thread; the thread treats this handle as valid
	// for its lifetime and never assumes ownership.
	//
	// The cancellation flag exposed via CancelGC / CancelledGC /
	// ClearCancelledGC is level-triggered and shared with all worker
	// threads: raising it causes the active collector to return false at
	// its next polling point.
	Heap interface {
		// Generational reports whether the heap runs in generational
		// mode (young collections enabled).
		Generational() bool

		YoungGeneration() Generation
		OldGeneration() Generation
		GlobalGeneration() Generation

		// CancelGC raises the heap-wide cancellation flag with the
		// given cause, returning true if this call raised it.
		CancelGC(cause Cause) bool

		// CancelledGC reports whether the cancellation flag is raised.
		CancelledGC() bool

		// ClearCancelledGC clears the cancellation flag. The
		// out-of-memory indicator is cleared only if clearOOMHandler is
		// set; preemption must leave it intact.
		ClearCancelledGC(clearOOMHandler bool)

		IsConcurrentOldMarkInProgress() bool
		IsConcurrentPrepForMixedEvacInProgress() bool

		// ClearOldEvacuationFailure consumes the old-generation
		// evacuation failure indicator, returning its prior state.
		ClearOldEvacuationFailure() bool

		SetUnloadClasses(v bool)
		UnloadClasses() bool

		// SetClearAllSoftRefs forces (or retracts) the soft-reference
		// policy to clear all soft references for the current cycle.
		SetClearAllSoftRefs(v bool)

		// SetAgingCycle marks the next young cycle as an aging cycle.
		SetAgingCycle(v bool)

		ResetBytesAllocatedSinceGCStart()

		MinCapacity() uint64
		MaxCapacity() uint64
		SoftMaxCapacity() uint64
		SetSoftMaxCapacity(v uint64)

		// Committed returns the number of committed heap bytes.
		Committed() uint64

		NumRegions() int
		Region(i int) Region

		// Uncommit returns empty-committed regions older than
		// shrinkBefore to the operating system, until committed bytes
		// drop to shrinkUntil.
		Uncommit(shrinkBefore time.Time, shrinkUntil uint64)

		// Locker returns the heap lock, held around free-set logging
		// and capacity updates; it must not be held across phase
		// execution.
		Locker() sync.Locker

		FreeSet() FreeSet
		Pacer() Pacer
		Monitoring() Monitoring
		PhaseTimings() PhaseTimings
		Policy() Policy

		// MetaspaceStats snapshots metaspace usage for post-cycle
		// reporting.
		MetaspaceStats() MetaspaceStats

		UpdateCapacityAndUsedAtGC()
		RecordWholeHeapExamined()
	}

	// Region is the narrow per-region view used by the shrink subtask.
	Region interface {
		// EmptyCommittedSince returns when the region became
		// empty-committed, and false if it is not empty-committed.
		EmptyCommittedSince() (time.Time, bool)
	}

	// FreeSet reports free-set state, logged before and after cycles
	// under the heap lock.
	FreeSet interface {
		LogStatus()
	}

	// Pacer is the allocator-side rate limiter.
	Pacer interface {
		// NotifyWaiters unblocks allocator threads waiting on the
		// pacer.
		NotifyWaiters()

		// ReportAlloc reports words allocated during an idle iteration.
		ReportAlloc(words uint64)

		FlushStatsToCycle()
		SetupForIdle()
	}

	// Monitoring refreshes the externally visible counters.
	Monitoring interface {
		UpdateCounters()
	}

	// PhaseTimings accumulates per-phase timing data.
	PhaseTimings interface {
		FlushParWorkersToCycle()
		FlushCycleToGlobal()
	}

	// MetaspaceStats is a point-in-time metaspace snapshot.
	MetaspaceStats struct {
		Reserved  uint64
		Committed uint64
		Used      uint64
	}

	// Collector is the minimal contract shared by all collection
	// strategies: run the collection, reporting true on completion and
	// false when cancelled.
	Collector interface {
		Collect(cause Cause) bool
	}

	// ConcurrentCollector additionally reports where a cancelled cycle
	// stopped. DegenPoint is only meaningful after Collect returned
	// false.
	ConcurrentCollector interface {
		Collector
		DegenPoint() DegenPoint
	}

	// DegeneratedCollector additionally reports whether the degenerated
	// cycle escalated to a full collection.
	DegeneratedCollector interface {
		Collector
		UpgradedToFull() bool
	}

	// CollectorFactory constructs the collection strategies. Each call
	// produces a single-use collector for one cycle.
	CollectorFactory interface {
		// Concurrent returns a concurrent collector for the generation.
		// With bootstrapOld set, a young cycle additionally enqueues
		// old-generation references so an old concurrent mark can
		// begin.
		Concurrent(generation Generation, bootstrapOld bool) ConcurrentCollector

		// Degenerated returns a stop-the-world collector resuming the
		// cancelled cycle at point.
		Degenerated(point DegenPoint, generation Generation) DegeneratedCollector

		// Full returns a stop-the-world full collector.
		Full() Collector

		// Old returns a collector resuming the old concurrent mark.
		// The collector raises allowPreemption at the points where the
		// regulator may cancel it without degeneration, and consumes
		// the flag when it leaves such a point.
		Old(generation Generation, allowPreemption *Flag) Collector
	}

	// AllocKind categorizes a failed allocation request.
	AllocKind uint8

	// AllocRequest describes the allocation that could not proceed,
	// passed to HandleAllocFailure by the allocating thread.
	AllocRequest struct {
		Kind  AllocKind
		Words uint64
	}
)

const (
	// AllocShared is a regular shared-space allocation.
	AllocShared AllocKind = iota

	// AllocTLAB is a thread-local allocation buffer refill.
	AllocTLAB

	// AllocGCLAB is a GC-local allocation buffer refill (evacuation).
	AllocGCLAB
)

func (x AllocKind) String() string {
	switch x {
	case AllocShared:
		return "shared"
	case AllocTLAB:
		return "tlab"
	case AllocGCLAB:
		return "gclab"
	default:
		return "unknown"
	}
}

// heapWordSize converts the word counts used throughout the allocation
// paths into bytes for reporting.
const heapWordSize = 8
