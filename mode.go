package gcontrol

// Mode is the collection mode selected for a control-loop iteration. The
// loop holds exactly one current mode; it is ModeNone outside the cycle
// driver.
type Mode int32

const (
	// ModeNone means no cycle is in flight.
	ModeNone Mode = iota

	// ModeConcurrentNormal is a concurrent cycle on the selected
	// generation, overlapping with application execution.
	ModeConcurrentNormal

	// ModeSTWDegenerated is a stop-the-world completion of a cancelled
	// concurrent cycle, resuming at the recorded degeneration point.
	ModeSTWDegenerated

	// ModeSTWFull is a stop-the-world compacting collection of the
	// entire heap.
	ModeSTWFull

	// ModeMarkingOld resumes an in-progress old-generation concurrent
	// mark.
	ModeMarkingOld
)

func (x Mode) String() string {
	switch x {
	case ModeNone:
		return "idle"
	case ModeConcurrentNormal:
		return "normal"
	case ModeSTWDegenerated:
		return "degenerated"
	case ModeSTWFull:
		return "full"
	case ModeMarkingOld:
		return "old mark"
	default:
		return "unknown"
	}
}

// DegenPoint records where an in-flight cycle was cancelled, so the
// degenerated successor can resume at that phase.
type DegenPoint int32

const (
	// DegenUnset means no degeneration point has been recorded.
	DegenUnset DegenPoint = iota

	// DegenOutsideCycle means the cancellation happened outside any
	// concurrent phase.
	DegenOutsideCycle

	// DegenAfterMark means marking completed before the cancellation.
	DegenAfterMark

	// DegenAfterEvac means evacuation completed before the cancellation.
	DegenAfterEvac

	// DegenAfterUpdateRefs means reference updating completed before the
	// cancellation.
	DegenAfterUpdateRefs
)

func (x DegenPoint) String() string {
	switch x {
	case DegenUnset:
		return "unset"
	case DegenOutsideCycle:
		return "outside cycle"
	case DegenAfterMark:
		return "mark"
	case DegenAfterEvac:
		return "evacuation"
	case DegenAfterUpdateRefs:
		return "update references"
	default:
		return "unknown"
	}
}
