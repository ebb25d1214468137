package analyzer

import "errors"

var (
	ErrAnalyzerUnavailable = errors.New("analyzer unavailable")
	ErrAnalysisTimeout     = errors.New("analysis timeout")
	ErrInvalidResponse     = errors.New("analyzer returned invalid response")
	ErrAnalyzerPanic       = errors.New("analyzer panicked")

	// ErrInvalidInput and ErrUnsupportedKind are permanent for the item: retrying cannot help.
	ErrInvalidInput    = errors.New("invalid analysis input")
	ErrUnsupportedKind = errors.New("unsupported analysis kind")
)
