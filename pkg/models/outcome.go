package models

import "time"

// OutcomeKind classifies the result of one analysis attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is what a worker records for a claimed item.
type Outcome struct {
	Kind     OutcomeKind
	Result   map[string]any
	Err      string
	Duration time.Duration
}

func Success(result map[string]any) Outcome {
	if result == nil {
		result = map[string]any{}
	}
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

func RetryableFailure(msg string) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: msg}
}

func FatalFailure(msg string) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: msg}
}
