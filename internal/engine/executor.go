package engine

import (
	"context"
	"errors"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/feedback"
	"github.com/sessfuzz/sessfuzz/internal/session"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// ErrAbort stops the campaign when returned (wrapped or not) by an executor.
// Any other executor error only fails the current execution.
var ErrAbort = errors.New("campaign aborted by executor")

// Executor replays one session against the target and reports the states it
// went through. Executors are shared by all workers and must be safe for
// concurrent use.
type Executor interface {
	Execute(ctx context.Context, in *session.Input) ([]stategraph.StateID, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in *session.Input) ([]stategraph.StateID, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, in *session.Input) ([]stategraph.StateID, error) {
	return f(ctx, in)
}

// RawExecutor is a target whose instrumentation reports the trace as a
// buffer of fixed-width state ids.
type RawExecutor interface {
	ExecuteRaw(ctx context.Context, in *session.Input) ([]byte, error)
}

// DecodingExecutor turns a RawExecutor into an Executor.
type DecodingExecutor struct {
	raw   RawExecutor
	width int
}

// NewDecodingExecutor checks width up front so a misconfigured feed is
// reported once, before any execution.
func NewDecodingExecutor(raw RawExecutor, width int) (*DecodingExecutor, error) {
	if err := config.ValidateStateIDWidth(width); err != nil {
		return nil, err
	}
	return &DecodingExecutor{raw: raw, width: width}, nil
}

// Execute runs in and decodes the reported trace.
func (d *DecodingExecutor) Execute(ctx context.Context, in *session.Input) ([]stategraph.StateID, error) {
	buf, err := d.raw.ExecuteRaw(ctx, in)
	if err != nil {
		return nil, err
	}
	return feedback.DecodeTrace(buf, d.width)
}
