package session

import (
	"context"
	"fmt"
	"runtime/debug"
)

// RecoveryHandler is invoked with the recovered panic value and a captured
// stack trace whenever SafeExecute or SafeGoroutine catches a panic.
type RecoveryHandler func(ctx context.Context, component string, panicValue interface{}, stack []byte)

var recoveryHandler RecoveryHandler = DefaultRecoveryHandler

// SetRecoveryHandler overrides the package-wide panic handler, e.g. to wire
// it into the metrics or event bus of a running Manager.
func SetRecoveryHandler(h RecoveryHandler) {
	if h != nil {
		recoveryHandler = h
	}
}

// DefaultRecoveryHandler logs the panic through the default logger.
func DefaultRecoveryHandler(ctx context.Context, component string, panicValue interface{}, stack []byte) {
	GetDefaultLogger().Error(ctx, "recovered panic",
		F("component", component),
		F("panic", fmt.Sprintf("%v", panicValue)),
		F("stack", string(stack)),
	)
}

// SafeExecute runs fn, converting any panic into a *SessionError instead of
// letting it unwind and take down the owning goroutine (a Session's command
// loop, the negotiation queue worker, ...).
func SafeExecute(ctx context.Context, component string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			recoveryHandler(ctx, component, r, stack)
			err = ErrSystemPanic(component, r)
		}
	}()
	return fn()
}

// SafeGoroutine launches fn in a new goroutine, recovering any panic so that
// one session's failure cannot crash the process. onPanic, if non-nil, is
// called after recovery with the converted error.
func SafeGoroutine(ctx context.Context, component string, fn func(), onPanic func(error)) {
	go func() {
		err := SafeExecute(ctx, component, func() error {
			fn()
			return nil
		})
		if err != nil && onPanic != nil {
			onPanic(err)
		}
	}()
}
