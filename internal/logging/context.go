package logging

import (
	"context"
	"time"
)

// DetachContext creates a context that won't be cancelled when parent is.
// Directory actions use it so they finish after the HTTP response.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout creates a detached context with its own timeout.
//
// Example usage:
//
//	execCtx, cancel := logging.DetachContextWithTimeout(r.Context(), 90*time.Second)
//	defer cancel()
//	resolver.Execute(execCtx, query, history)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(DetachContext(parent), timeout)
}
