package gcontrol

import (
	"time"
)

// serviceUncommit returns empty regions to the operating system, down to
// shrinkUntil committed bytes, considering only regions that have been
// empty-committed since before shrinkBefore.
//
// The work check up front avoids taking the heap lock when there is
// nothing to do, and keeps superfluous messages out of the log.
func (x *ControlThread) serviceUncommit(shrinkBefore time.Time, shrinkUntil uint64) {
	if x.heap.Committed() <= shrinkUntil {
		return
	}

	hasWork := false
	for i := 0; i < x.heap.NumRegions(); i++ {
		if at, ok := x.heap.Region(i).EmptyCommittedSince(); ok && at.Before(shrinkBefore) {
			hasWork = true
			break
		}
	}

	if hasWork {
		x.logger.Info().
			Str(`committed`, humanBytes(x.heap.Committed())).
			Str(`target`, humanBytes(shrinkUntil)).
			Log(`uncommitting empty regions`)
		x.heap.Uncommit(shrinkBefore, shrinkUntil)
	}
}
