//go:build deadlock

// Package syncutil provides the locks used across the bootloader. Building
// with -tags=deadlock swaps in github.com/sasha-s/go-deadlock so lock-order
// inversions and stuck critical sections are reported.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// A flash sector erase on a slow part can hold a critical section for a
// couple of seconds.
func init() {
	deadlock.Opts.DeadlockTimeout = 10 * time.Second
}

// Mutex is a deadlock-detecting mutex.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex is a deadlock-detecting reader/writer mutex.
type RWMutex struct {
	deadlock.RWMutex
}
