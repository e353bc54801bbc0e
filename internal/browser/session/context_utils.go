// File: internal/browser/session/context_utils.go
package session

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is also canceled when
// secondary is done. Values and the deadline come from primary only. When secondary
// ends the combined context reports context.Canceled, whatever secondary's own error.
// The returned cancel must be called to release the watcher goroutine.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	if secondary.Done() == nil {
		return combined, cancel
	}

	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}

// valueOnlyContext keeps its parent's values but none of its cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }

func (valueOnlyContext) Done() <-chan struct{} { return nil }

func (valueOnlyContext) Err() error { return nil }

// Detach returns a context carrying ctx's values that is never canceled.
// Teardown paths (deleting a session, restoring the frame scope) run on it so a
// caller that already gave up cannot leave the remote end half cleaned.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
