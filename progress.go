package ingest

import (
	"context"

	"github.com/UniQw/uniqw-ingest/internal/hctx"
)

// SetProgress allows a processor to report progress (0..100) for the record it
// is working on. The value shows up in slot status.
// It is a no-op if the context is not provided by a Worker.
func SetProgress(ctx context.Context, p int) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	st.Progress = p
	if st.Report != nil {
		st.Report(st.ID, p)
	}
}

// RecordIDFrom returns the ID of the record a Worker is processing in ctx.
func RecordIDFrom(ctx context.Context) (string, bool) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return "", false
	}
	return st.ID, true
}
