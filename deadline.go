package docstore

import (
	"context"
	"errors"
	"time"
)

// Deadline bounds the wall-clock duration of a single operation. A zero
// timeout disables enforcement entirely. The bound is carried through a
// per-call context rather than any process-global state, so deadlines
// compose: nesting and concurrent use are safe.
type Deadline struct {
	timeout time.Duration
}

// NewDeadline creates a deadline enforcing the given timeout. timeout <= 0
// disables enforcement.
func NewDeadline(timeout time.Duration) Deadline {
	return Deadline{timeout: timeout}
}

// Enabled reports whether the deadline enforces anything
func (d Deadline) Enabled() bool {
	return d.timeout > 0
}

// Run executes op, failing with ErrTimeout once the deadline expires. The
// context passed to op carries the deadline, so cooperative operations stop
// promptly; a non-cooperative op keeps running in its goroutine after Run
// returns, but its result is discarded.
func (d Deadline) Run(ctx context.Context, op func(context.Context) error) error {
	if !d.Enabled() {
		return op(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(tctx)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return d.timeoutError()
		}
		return err
	case <-tctx.Done():
		if ctx.Err() != nil {
			// Parent canceled, not our timer
			return ctx.Err()
		}
		return d.timeoutError()
	}
}

func (d Deadline) timeoutError() error {
	return WithContext(ErrTimeout, map[string]interface{}{
		"timeout": d.timeout.String(),
	})
}
