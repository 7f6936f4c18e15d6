package gcontrol

import (
	"sync"
	"time"
)

// enrollPeriodicTasks starts the counter refresher and, if pacing is
// enabled, the pacer notifier. The returned stop function is idempotent
// and waits for the tasks to exit.
//
// These run on their own timer goroutines; they own nothing beyond their
// tick and a non-owning handle to the control thread, and the only
// signal they touch is the counter-update flag, which they consume.
func (x *ControlThread) enrollPeriodicTasks() (stop func()) {
	stopCh := make(chan struct{})
	var wg sync.WaitGroup

	run := func(interval time.Duration, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-stopCh:
					return
				case <-t.C:
					fn()
				}
			}
		}()
	}

	run(x.cfg.CountersUpdateInterval, func() {
		x.handleForceCountersUpdate()
		x.handleCountersUpdate()
	})
	if x.cfg.Pacing {
		run(x.cfg.PacerNotifyInterval, x.heap.Pacer().NotifyWaiters)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			wg.Wait()
		})
	}
}

// handleCountersUpdate consumes the counter-update request, if any.
func (x *ControlThread) handleCountersUpdate() {
	if x.doCountersUpdate.TryUnset() {
		x.heap.Monitoring().UpdateCounters()
	}
}

// handleForceCountersUpdate refreshes the counters whenever forced
// sampling is active, e.g. across a cycle.
func (x *ControlThread) handleForceCountersUpdate() {
	if x.forceCountersUpdate.IsSet() {
		x.doCountersUpdate.Unset() // reset this too, we update now
		x.heap.Monitoring().UpdateCounters()
	}
}
