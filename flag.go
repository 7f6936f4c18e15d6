package gcontrol

import (
	"sync/atomic"
)

// Flag is a level-triggered single-bit signal, shared between the control
// goroutine and external threads.
//
// All operations are lock-free and serialize with respect to each other;
// they imply no ordering on unrelated data. The zero value is unset and
// ready to use. Flag must not be copied after first use.
type Flag struct {
	_ [0]func() // prevent comparison
	v atomic.Int32
}

// Set unconditionally raises the flag.
func (x *Flag) Set() { x.v.Store(1) }

// Unset unconditionally clears the flag.
func (x *Flag) Unset() { x.v.Store(0) }

// TrySet raises the flag if it is clear, returning true if this call
// raised it.
func (x *Flag) TrySet() bool { return x.v.CompareAndSwap(0, 1) }

// TryUnset clears the flag if it is raised, returning true if this call
// cleared it.
func (x *Flag) TryUnset() bool { return x.v.CompareAndSwap(1, 0) }

// IsSet returns whether the flag is raised.
func (x *Flag) IsSet() bool { return x.v.Load() != 0 }

// IsUnset returns whether the flag is clear.
func (x *Flag) IsUnset() bool { return x.v.Load() == 0 }

// SetCond raises or clears the flag per v.
func (x *Flag) SetCond(v bool) {
	if v {
		x.Set()
	} else {
		x.Unset()
	}
}
