package recovery

import (
	"runtime/debug"

	"github.com/vanpelt/taskhub/internal/logger"
)

// SafeGo runs fn in a goroutine and recovers any panic so a single
// connection or stream can never take the whole server down.
func SafeGo(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// SafeGoWithCleanup is SafeGo with a cleanup that runs even after a panic.
func SafeGoWithCleanup(name string, fn func(), cleanup func()) {
	go func() {
		defer Recover(name)
		if cleanup != nil {
			defer cleanup()
		}
		fn()
	}()
}

// Recover must be deferred directly. It logs the panic value and stack.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Logger.Error().
			Str("goroutine", name).
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Msg("🚨 panic recovered")
	}
}
