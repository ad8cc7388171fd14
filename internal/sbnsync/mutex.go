// Package sbnsync provides deadlock-checked drop-in replacements for the
// stdlib sync primitives the core uses to serialize access to per-net send
// calls and the shared RemapTable.
package sbnsync

import (
	"github.com/sasha-s/go-deadlock"
)

// Mutex is a sync.Mutex with deadlock detection enabled. The core is a
// long-running daemon with many goroutines touching a handful of shared
// locks (per-net send mutex, RemapTable mutex); the detector's overhead is
// cheap compared to the cost of a wedged peer net going unnoticed.
type Mutex = deadlock.Mutex

// RWMutex is a sync.RWMutex with deadlock detection enabled.
type RWMutex = deadlock.RWMutex
