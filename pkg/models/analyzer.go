// Package models contains shared data models used across the docbatch codebase.
package models

import "context"

// Analyzer is the only hook into document analysis logic.
// Implementations must be safe for concurrent use and must honor ctx cancellation.
type Analyzer interface {
	// Analyze runs analysisKind against the input referenced by payloadRef.
	Analyze(ctx context.Context, payloadRef, analysisKind string, options map[string]any) (map[string]any, error)
	// Name returns the provider identifier (e.g., "remote", "wordcount").
	Name() string
}
