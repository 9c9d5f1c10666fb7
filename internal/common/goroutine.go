// -----------------------------------------------------------------------
// Safe Goroutine - Panic-protected goroutine wrappers
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

// goroutineCounter tracks goroutines currently running via SafeGo
var goroutineCounter int64

// GetGoroutineCount returns the number of live goroutines started via SafeGo
func GetGoroutineCount() int64 {
	return atomic.LoadInt64(&goroutineCounter)
}

// SafeGo runs fn in a goroutine with panic recovery.
// Panics are logged but don't crash the service.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	SafeGoWithRecover(logger, name, fn, nil)
}

// SafeGoWithRecover is SafeGo with a callback invoked after a panic has been
// logged. Job runners use it to settle the job record.
//
//	common.SafeGoWithRecover(logger, "runJob", run, func(r any) {
//	    fail(fmt.Errorf("panic: %v", r))
//	})
func SafeGoWithRecover(logger arbor.ILogger, name string, fn func(), onPanic func(recovered any)) {
	atomic.AddInt64(&goroutineCounter, 1)

	go func() {
		defer atomic.AddInt64(&goroutineCounter, -1)
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			stackTrace := GetStackTrace()

			if logger != nil {
				logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", stackTrace).
					Msg("Recovered from panic in goroutine - continuing service operation")
			} else {
				fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, stackTrace)
			}

			if onPanic != nil {
				onPanic(r)
			}
		}()

		fn()
	}()
}
