package gcontrol

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/logiface"
)

type (
	// Config models the control loop's tunables, for NewControlThread.
	// A nil Config is equivalent to DefaultConfig().
	Config struct {
		// Logger receives all structured log events. Nil disables
		// logging.
		Logger *logiface.Logger[logiface.Event]

		// ControlIntervalMax bounds the idle wait between iterations.
		// **Defaults to 10ms, if 0.**
		ControlIntervalMax time.Duration

		// ControlIntervalMin is the short sleep used by the
		// post-shutdown tail while waiting for termination.
		// **Defaults to 1ms, if 0.**
		ControlIntervalMin time.Duration

		// UncommitDelay is how long a region must stay empty-committed
		// before it becomes eligible for shrinking.
		// **Defaults to 5m, if 0.**
		UncommitDelay time.Duration

		// AgingCyclePeriod marks every Nth young concurrent cycle as an
		// aging cycle. **Defaults to 1, if 0.**
		AgingCyclePeriod int

		// CountersUpdateInterval is the counter refresher's tick.
		// **Defaults to 100ms, if 0.**
		CountersUpdateInterval time.Duration

		// PacerNotifyInterval is the pacer notifier's tick.
		// **Defaults to 10ms, if 0.**
		PacerNotifyInterval time.Duration

		// Pacing enables the allocation pacer plumbing: the periodic
		// pacer notifier, idle allocation reporting, and per-cycle
		// pacer statistics.
		Pacing bool

		// AlwaysClearSoftRefs forces every global cycle to clear all
		// soft references.
		AlwaysClearSoftRefs bool

		// DegeneratedGC permits cancelled concurrent cycles to complete
		// as stop-the-world degenerated cycles. With it disabled every
		// allocation failure escalates straight to a full collection.
		DegeneratedGC bool

		// ImplicitGCInvokesConcurrent runs implicitly requested
		// collections concurrently instead of stop-the-world.
		ImplicitGCInvokesConcurrent bool

		// ExplicitGCInvokesConcurrent runs explicitly requested
		// collections concurrently instead of stop-the-world.
		ExplicitGCInvokesConcurrent bool

		// DisableExplicitGC ignores explicit collection requests.
		DisableExplicitGC bool

		// Uncommit enables returning empty regions to the operating
		// system.
		Uncommit bool
	}

	// fileConfig is the TOML schema for LoadConfig. Durations are
	// carried as milliseconds, matching how these knobs are tuned
	// operationally.
	fileConfig struct {
		ControlIntervalMaxMS        int64 `toml:"control_interval_max_ms"`
		ControlIntervalMinMS        int64 `toml:"control_interval_min_ms"`
		UncommitDelayMS             int64 `toml:"uncommit_delay_ms"`
		AgingCyclePeriod            int   `toml:"aging_cycle_period"`
		CountersUpdateIntervalMS    int64 `toml:"counters_update_interval_ms"`
		PacerNotifyIntervalMS       int64 `toml:"pacer_notify_interval_ms"`
		Pacing                      bool  `toml:"pacing"`
		AlwaysClearSoftRefs         bool  `toml:"always_clear_soft_refs"`
		DegeneratedGC               bool  `toml:"degenerated_gc"`
		ImplicitGCInvokesConcurrent bool  `toml:"implicit_gc_invokes_concurrent"`
		ExplicitGCInvokesConcurrent bool  `toml:"explicit_gc_invokes_concurrent"`
		DisableExplicitGC           bool  `toml:"disable_explicit_gc"`
		Uncommit                    bool  `toml:"uncommit"`
	}
)

// DefaultConfig returns the default tunables.
func DefaultConfig() *Config {
	return &Config{
		ControlIntervalMax:          time.Millisecond * 10,
		ControlIntervalMin:          time.Millisecond,
		UncommitDelay:               time.Minute * 5,
		AgingCyclePeriod:            1,
		CountersUpdateInterval:      time.Millisecond * 100,
		PacerNotifyInterval:         time.Millisecond * 10,
		Pacing:                      true,
		DegeneratedGC:               true,
		ExplicitGCInvokesConcurrent: true,
		Uncommit:                    true,
	}
}

// LoadConfig reads TOML tunables from path, overlaying them on
// DefaultConfig. Only keys present in the file override defaults.
func LoadConfig(path string) (*Config, error) {
	var f fileConfig
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf(`gcontrol: config load failed: %w`, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf(`gcontrol: config contains unknown keys: %v`, undecoded)
	}

	c := DefaultConfig()

	ms := func(key string, target *time.Duration, v int64) error {
		if !md.IsDefined(key) {
			return nil
		}
		if v < 0 {
			return fmt.Errorf(`gcontrol: config key %s must not be negative`, key)
		}
		*target = time.Duration(v) * time.Millisecond
		return nil
	}
	for _, kv := range [...]struct {
		key    string
		target *time.Duration
		value  int64
	}{
		{`control_interval_max_ms`, &c.ControlIntervalMax, f.ControlIntervalMaxMS},
		{`control_interval_min_ms`, &c.ControlIntervalMin, f.ControlIntervalMinMS},
		{`uncommit_delay_ms`, &c.UncommitDelay, f.UncommitDelayMS},
		{`counters_update_interval_ms`, &c.CountersUpdateInterval, f.CountersUpdateIntervalMS},
		{`pacer_notify_interval_ms`, &c.PacerNotifyInterval, f.PacerNotifyIntervalMS},
	} {
		if err := ms(kv.key, kv.target, kv.value); err != nil {
			return nil, err
		}
	}

	if md.IsDefined(`aging_cycle_period`) {
		if f.AgingCyclePeriod <= 0 {
			return nil, fmt.Errorf(`gcontrol: config key aging_cycle_period must be positive`)
		}
		c.AgingCyclePeriod = f.AgingCyclePeriod
	}

	for _, kv := range [...]struct {
		key    string
		target *bool
		value  bool
	}{
		{`pacing`, &c.Pacing, f.Pacing},
		{`always_clear_soft_refs`, &c.AlwaysClearSoftRefs, f.AlwaysClearSoftRefs},
		{`degenerated_gc`, &c.DegeneratedGC, f.DegeneratedGC},
		{`implicit_gc_invokes_concurrent`, &c.ImplicitGCInvokesConcurrent, f.ImplicitGCInvokesConcurrent},
		{`explicit_gc_invokes_concurrent`, &c.ExplicitGCInvokesConcurrent, f.ExplicitGCInvokesConcurrent},
		{`disable_explicit_gc`, &c.DisableExplicitGC, f.DisableExplicitGC},
		{`uncommit`, &c.Uncommit, f.Uncommit},
	} {
		if md.IsDefined(kv.key) {
			*kv.target = kv.value
		}
	}

	return c, nil
}

// withDefaults fills unset numeric fields; bools are taken as-is.
func (x *Config) withDefaults() Config {
	var c Config
	if x != nil {
		c = *x
	} else {
		c = *DefaultConfig()
	}
	d := DefaultConfig()
	if c.ControlIntervalMax == 0 {
		c.ControlIntervalMax = d.ControlIntervalMax
	}
	if c.ControlIntervalMin == 0 {
		c.ControlIntervalMin = d.ControlIntervalMin
	}
	if c.UncommitDelay == 0 {
		c.UncommitDelay = d.UncommitDelay
	}
	if c.AgingCyclePeriod == 0 {
		c.AgingCyclePeriod = d.AgingCyclePeriod
	}
	if c.CountersUpdateInterval == 0 {
		c.CountersUpdateInterval = d.CountersUpdateInterval
	}
	if c.PacerNotifyInterval == 0 {
		c.PacerNotifyInterval = d.PacerNotifyInterval
	}
	return c
}
