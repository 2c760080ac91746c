// Package sync provides synchronization primitives the standard library
// lacks.
package sync

import (
	"sync"
	"sync/atomic"
)

// Once runs an initialization function until it first succeeds.
//
// Unlike sync.Once, a failed attempt is not remembered: the next Do runs
// f again. This suits lazily opened resources whose first open may fail
// transiently.
//
//	var once sync.Once
//
//	err := once.Do(func() error {
//	    db, err = sql.Open("duckdb", "")
//	    return err
//	})
//
// Once is safe for concurrent use. The zero value is ready.
type Once struct {
	done atomic.Bool
	m    sync.Mutex
}

// Do calls f unless a previous call succeeded. Concurrent callers wait for
// the running attempt; if it fails they each run f in turn.
func (o *Once) Do(f func() error) error {
	// Fast path: check if already done
	if o.done.Load() {
		return nil
	}

	// Slow path: acquire lock and double-check
	o.m.Lock()
	defer o.m.Unlock()

	if o.done.Load() {
		return nil
	}
	if err := f(); err != nil {
		return err
	}
	o.done.Store(true)
	return nil
}

// Done reports whether a call to Do has succeeded.
func (o *Once) Done() bool {
	return o.done.Load()
}
