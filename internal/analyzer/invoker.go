package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/kiranshivaraju/docbatch/internal/metrics"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// Invoker calls the analyzer for one item under a hard timeout and classifies the result.
// It never touches item or job state.
type Invoker struct {
	analyzer       models.Analyzer
	defaultTimeout time.Duration
	metrics        *metrics.Metrics
}

// NewInvoker creates an Invoker. defaultTimeout applies when a job sets none.
func NewInvoker(a models.Analyzer, defaultTimeout time.Duration, m *metrics.Metrics) *Invoker {
	return &Invoker{analyzer: a, defaultTimeout: defaultTimeout, metrics: m}
}

// Name returns the wrapped analyzer's name.
func (inv *Invoker) Name() string { return inv.analyzer.Name() }

// Readier is implemented by analyzers that can report whether their backend is reachable.
type Readier interface {
	Ready(ctx context.Context) error
}

// Ready reports whether the analyzer can take work. Analyzers without a readiness
// check are always ready.
func (inv *Invoker) Ready(ctx context.Context) error {
	r, ok := inv.analyzer.(Readier)
	if !ok {
		return nil
	}
	return r.Ready(ctx)
}

// Invoke runs one analysis attempt. It returns when the analyzer returns, the timeout
// elapses, or ctx is cancelled, whichever comes first. An analyzer that ignores its
// context is abandoned rather than waited for.
func (inv *Invoker) Invoke(ctx context.Context, payloadRef, kind string, options map[string]any, timeout time.Duration) models.Outcome {
	start := time.Now()
	outcome := inv.invoke(ctx, payloadRef, kind, options, timeout)
	outcome.Duration = time.Since(start)
	inv.metrics.ObserveInvocation(kind, outcome.Kind.String(), outcome.Duration)
	return outcome
}

type analysisResult struct {
	out map[string]any
	err error
}

func (inv *Invoker) invoke(ctx context.Context, payloadRef, kind string, options map[string]any, timeout time.Duration) models.Outcome {
	if strings.TrimSpace(payloadRef) == "" {
		return models.FatalFailure("empty payload")
	}
	if timeout <= 0 {
		timeout = inv.defaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan analysisResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "panic in analyzer", "error", r, "stack", string(debug.Stack()))
				ch <- analysisResult{err: fmt.Errorf("%w: %v", ErrAnalyzerPanic, r)}
			}
		}()
		out, err := inv.analyzer.Analyze(callCtx, payloadRef, kind, options)
		ch <- analysisResult{out: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			return models.Success(r.out)
		}
		return outcomeFor(r.err, timeout)
	case <-callCtx.Done():
		return outcomeFor(callCtx.Err(), timeout)
	}
}

func outcomeFor(err error, timeout time.Duration) models.Outcome {
	switch Classify(err) {
	case models.OutcomeFatal:
		return models.FatalFailure(err.Error())
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return models.RetryableFailure(fmt.Sprintf("%s: no result after %s", ErrAnalysisTimeout, timeout))
		}
		return models.RetryableFailure(err.Error())
	}
}

// Classify maps an analyzer error to an outcome kind. Malformed or unsupported input is
// fatal; timeouts, transport failures and anything unrecognised are retryable, bounded
// by the job's retry budget.
func Classify(err error) models.OutcomeKind {
	switch {
	case err == nil:
		return models.OutcomeSuccess
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnsupportedKind):
		return models.OutcomeFatal
	default:
		return models.OutcomeRetryable
	}
}
