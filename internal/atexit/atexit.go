// Package atexit lets publishers register cleanup callbacks (closing open
// segment files, unlinking stale private files) to run on graceful process
// shutdown. Adapted from distri's package-level atexit registry.
package atexit

import (
	"sync"
	"sync/atomic"
)

var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// Register adds fn to the set of functions Run invokes at shutdown, in
// registration order. Must not be called from within a registered fn.
func Register(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: atexit.Register must not be called from an atexit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
}

// Run invokes every registered function in order, stopping at the first
// error. Intended to be called once, from a signal handler or at the end
// of main.
func Run() error {
	atomic.StoreUint32(&atExit.closed, 1)
	atExit.Lock()
	fns := atExit.fns
	atExit.Unlock()
	for _, fn := range fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
