package syncutil

import "sync"

// Guard locks l and returns the matching unlock, for use as
//
//	defer syncutil.Guard(&mu)()
//
// and as the release func of a flash critical section.
func Guard(l sync.Locker) func() {
	l.Lock()
	return l.Unlock
}
