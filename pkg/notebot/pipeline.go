package notebot

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type pipelineKeyType struct{}

var pipelineKey pipelineKeyType

// WithPipelineID returns a context carrying a fresh pipeline id, and that id.
func WithPipelineID(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(ctx, pipelineKey, id), id
}

// PipelineID returns the pipeline id stored in ctx or an empty string.
func PipelineID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(pipelineKey).(string); ok {
		return id
	}

	return ""
}

// PipelineLogger returns base annotated with the pipeline id from ctx when present.
func PipelineLogger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := PipelineID(ctx); id != "" {
		return base.With("pipeline_id", id)
	}

	return base
}
