package joblog

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverHandlerPanic recovers a panic raised while a dispatched job
// handler runs, logs it through the tracker with a full stack trace, and
// reports it through outErr instead of letting it cross the goroutine
// boundary and kill the poll loop. Deferred directly (never inside an
// anonymous closure) so recover() observes the panic:
//
//	defer joblog.RecoverHandlerPanic(&err, ctx, tracker, jobID)
func RecoverHandlerPanic(outErr *error, ctx context.Context, tracker *Tracker, jobID string) {
	r := recover()
	if r == nil {
		return
	}

	var panicErr error
	switch v := r.(type) {
	case error:
		panicErr = fmt.Errorf("handler panic: %w", v)
	default:
		panicErr = fmt.Errorf("handler panic: %v", v)
	}

	if tracker != nil {
		tracker.Logger(ctx).Error("panic recovered in job handler",
			slog.String("job_id", jobID),
			slog.String("error", panicErr.Error()),
			slog.String("stack", string(debug.Stack())),
		)
	}

	*outErr = panicErr
}
