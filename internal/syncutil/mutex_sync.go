//go:build !deadlock

// Package syncutil provides the locks used across the bootloader. Building
// with -tags=deadlock swaps in github.com/sasha-s/go-deadlock so lock-order
// inversions and stuck critical sections are reported.
package syncutil

import "sync"

// Mutex is a plain sync.Mutex in normal builds.
type Mutex struct {
	sync.Mutex
}

// RWMutex is a plain sync.RWMutex in normal builds.
type RWMutex struct {
	sync.RWMutex
}
