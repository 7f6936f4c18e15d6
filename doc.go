// Package gcontrol implements the supervisory control loop of a pauseless,
// generational, region-based garbage collector.
//
// A single control goroutine arbitrates between competing collection
// triggers (allocation failures, explicit requests, heuristic-driven
// cycles, and in-progress old-generation marking), selects one collection
// mode per iteration, and drives the chosen cycle to completion. The
// mark/evacuate/update-refs machinery itself is out of scope: the four
// collection strategies are opaque collaborators behind a
// Collect(cause) bool contract, constructed via a CollectorFactory.
//
// Young and old concurrent cycles are initiated by the regulator, via
// RequestConcurrentGC. Explicit and implicit requests, via RequestGC,
// always run a global cycle: explicit requests run concurrently by
// default, implicit requests stop-the-world by default, and each is
// configurable. Old cycles degenerate to a global cycle, young cycles
// degenerate to complete the young cycle, and either degenerated form may
// upgrade to a full collection. The possible successions:
//
//	+-----+ Idle +-----+-----------+---------------------+
//	|         +        |           |                     |
//	|         |        v           |                     |
//	|         |  Bootstrap Old +-- | ------------+       |
//	|         |   +                |             |       |
//	|         v   v                v             v       |
//	|    Resume Old <----------+ Young +--> Young Degen  |
//	|     +  +                                   +       |
//	v     |  |                                   |       |
//	Global <-+  |                                |       |
//	|        v                                   v       |
//	+--->  Global Degen +--------------------> Full <----+
//
// Cancellation is a level-triggered flag on the heap, consumed in one of
// three ways: into an allocation-failure degenerated successor (the
// default), into a preemption of old marking by a young cycle, or into
// graceful shutdown. It never unwinds; collaborators return cleanly.
package gcontrol
