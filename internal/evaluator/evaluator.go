// Package evaluator defines the contract between podium and the harness
// that actually runs evaluations. The control plane never talks to model
// providers itself: it hands a plan and the per-model keys to an Evaluator
// and consumes the sample stream that comes back. Two implementations ship
// here, a deterministic scripted stub for development and tests, and an
// HTTP client for an external harness service.
package evaluator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"podium/internal/types"
)

// Request is one evaluation run.
type Request struct {
	TaskID string
	Plan   types.Plan
	// Keys maps model name to its API key. Keys exist only for the
	// duration of the call; implementations must not retain or log them.
	Keys map[string]string

	// OnSamples receives each finished batch in order. A non-nil return
	// aborts the run with that error.
	OnSamples func(ctx context.Context, batch []*types.Sample) error

	// OnProgress reports completed versus total sample calls. Optional.
	OnProgress func(done, total int)
}

// Evaluator turns a plan into per-sample outcomes.
type Evaluator interface {
	// Version identifies the scoring pipeline; it is stamped on every
	// leaderboard row this evaluator produces.
	Version() string

	// Ping reports whether the engine can accept work.
	Ping(ctx context.Context) error

	// Evaluate runs the plan to completion, streaming batches through
	// req.OnSamples. Errors carry a types.Kind so the worker can decide
	// between retry and permanent failure.
	Evaluate(ctx context.Context, req Request) error
}

// New selects the engine by configured kind.
func New(kind, endpoint, version string, stubLatency time.Duration, logger *zap.Logger) (Evaluator, error) {
	switch kind {
	case "stub", "":
		return NewStub(version, stubLatency, logger), nil
	case "external":
		return NewRemote(endpoint, version, logger)
	}
	return nil, types.NewError(types.KindValidation, "unknown evaluator kind %q", kind)
}

// classifyStatus maps a harness HTTP status to an error kind. Throttling
// and server-side trouble are worth retrying; anything else the harness
// rejected deliberately.
func classifyStatus(status int) types.Kind {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return types.KindEvaluatorRetryable
	default:
		return types.KindEvaluatorFatal
	}
}

// classifyTransport maps transport-level failures: deadline and cancel come
// from our own context, everything else is network weather.
func classifyTransport(ctx context.Context, err error) types.Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return types.KindTimeout
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return types.KindCancelled
	default:
		return types.KindEvaluatorRetryable
	}
}
