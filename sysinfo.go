package gcontrol

import (
	"fmt"
	"runtime"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/joeycumines/logiface"
	"github.com/pbnjay/memory"
	"go.uber.org/automaxprocs/maxprocs"
)

type (
	// HostResources reports the CPU and memory actually available to
	// the process at startup, container limits included. It is a leaf
	// utility: the control loop itself never consults it, only sizing
	// defaults do.
	HostResources struct {
		// CPUs is the usable CPU count, after aligning GOMAXPROCS with
		// any CPU quota.
		CPUs int

		// MemoryBudget is the effective memory budget in bytes: the
		// container memory limit scaled by a safety ratio, or the
		// total system memory where no limit applies.
		MemoryBudget uint64

		// TotalMemory is the total system memory in bytes.
		TotalMemory uint64
	}
)

// DetectHostResources probes CPU quota and memory limits, aligning
// GOMAXPROCS and GOMEMLIMIT with what the host actually grants. The
// logger may be nil.
func DetectHostResources(logger *logiface.Logger[logiface.Event]) HostResources {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug().Log(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warning().
			Err(err).
			Log(`cpu quota detection failed`)
	}

	hr := HostResources{
		CPUs:        runtime.GOMAXPROCS(0),
		TotalMemory: memory.TotalMemory(),
	}

	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.ApplyFallback(
			memlimit.FromCgroupHybrid,
			memlimit.FromSystem,
		)),
	)
	if err != nil || limit <= 0 {
		if err != nil {
			logger.Warning().
				Err(err).
				Log(`memory limit detection failed`)
		}
		hr.MemoryBudget = hr.TotalMemory
	} else {
		hr.MemoryBudget = uint64(limit)
	}

	logger.Info().
		Int(`cpus`, hr.CPUs).
		Str(`memory_budget`, humanBytes(hr.MemoryBudget)).
		Str(`total_memory`, humanBytes(hr.TotalMemory)).
		Log(`host resources detected`)

	return hr
}

// DefaultMaxHeapSize is a conservative default heap ceiling, a quarter
// of the memory budget.
func (x HostResources) DefaultMaxHeapSize() uint64 {
	return x.MemoryBudget / 4
}

// DefaultWorkers is the default parallel worker count.
func (x HostResources) DefaultWorkers() int {
	return max(1, x.CPUs)
}
