// Package recovery keeps a panicking goroutine from taking down the hub.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with its stack.
// Call it deferred at the top of every relay, listener and session goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "tunnel.Listener.acceptLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from a panic, logs it, then runs callback.
// Sessions use the callback to tear themselves down so a bad frame handler
// never leaves ports or relays behind.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
