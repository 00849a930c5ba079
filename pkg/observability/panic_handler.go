package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with the stack. Call it
// directly in a defer:
//
//	defer observability.RecoverPanic(logger, "catalogue watcher")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverPanicWithCallback is RecoverPanic followed by callback, which runs
// only when a panic was recovered.
func RecoverPanicWithCallback(logger *Logger, where string, callback func(any)) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if callback != nil {
			callback(r)
		}
	}
}

func logPanic(logger *Logger, where string, r any) {
	logger.WithFields(map[string]any{
		"panic":   fmt.Sprint(r),
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}
