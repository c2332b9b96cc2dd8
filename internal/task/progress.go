package task

import "context"

// ProgressFunc receives intermediate progress metadata from a running
// handler. Any number of progress reports may precede the terminal update.
type ProgressFunc func(ctx context.Context, meta map[string]any)

type progressKey struct{}

// WithProgressReporter returns a context carrying a progress reporter.
// The worker installs one per execution so handlers can report without
// depending on the result store.
func WithProgressReporter(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress publishes progress metadata from inside a handler.
// It is a no-op when no reporter is installed (e.g. in unit tests that
// call handlers directly).
func ReportProgress(ctx context.Context, meta map[string]any) {
	fn, ok := ctx.Value(progressKey{}).(ProgressFunc)
	if !ok || fn == nil {
		return
	}
	fn(ctx, meta)
}
