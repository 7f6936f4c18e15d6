package gcontrol

type (
	// GenerationMode tags a generation as young, old, or the whole heap.
	GenerationMode int32

	// Generation is a non-owning handle to one of the heap's
	// generations, narrowed to what the control loop consumes.
	Generation interface {
		// Mode returns the generation's tag.
		Mode() GenerationMode

		// Heuristics returns the generation's heuristics.
		Heuristics() Heuristics

		// LogStatus emits the generation's occupancy summary.
		LogStatus()
	}

	// Heuristics is the per-generation trigger and outcome bookkeeping
	// consulted by the control loop. Implementations decide whether a
	// cancelled cycle may degenerate, and whether a global cycle should
	// unload classes; the loop reports outcomes back so the heuristics
	// can adapt.
	Heuristics interface {
		ShouldDegenerateCycle() bool
		CanUnloadClasses() bool
		ShouldUnloadClasses() bool
		RecordAllocationFailureGC()
		RecordRequestedGC()
		RecordSuccessConcurrent()
		RecordSuccessFull()
		RecordSuccessDegenerated()
		ClearMetaspaceOOM()
	}

	// Policy mirrors the heuristics' record operations at whole-heap
	// granularity, plus the trigger-to-mode accounting used for
	// degeneration and upgrade statistics.
	Policy interface {
		RecordAllocFailureToDegenerated(point DegenPoint)
		RecordAllocFailureToFull()
		RecordExplicitToConcurrent()
		RecordExplicitToFull()
		RecordImplicitToConcurrent()
		RecordImplicitToFull()
		RecordSuccessConcurrent()
		RecordSuccessFull()
		RecordSuccessDegenerated()
	}
)

const (
	// GenGlobal addresses the entire heap.
	GenGlobal GenerationMode = iota

	// GenYoung addresses the young generation.
	GenYoung

	// GenOld addresses the old generation.
	GenOld
)

func (x GenerationMode) String() string {
	switch x {
	case GenGlobal:
		return "GLOBAL"
	case GenYoung:
		return "YOUNG"
	case GenOld:
		return "OLD"
	default:
		return "unknown"
	}
}
