package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/docbatch/internal/analyzer"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// MockAnalyzer satisfies models.Analyzer for testing.
type MockAnalyzer struct {
	Name_       string
	AnalyzeFunc func(ctx context.Context, payloadRef, kind string, options map[string]any) (map[string]any, error)
	ReadyFunc   func(ctx context.Context) error

	mu    sync.Mutex
	calls map[string]int
}

func (m *MockAnalyzer) Name() string { return m.Name_ }

func (m *MockAnalyzer) Analyze(ctx context.Context, payloadRef, kind string, options map[string]any) (map[string]any, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[payloadRef]++
	m.mu.Unlock()

	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, payloadRef, kind, options)
	}
	return map[string]any{}, nil
}

func (m *MockAnalyzer) Ready(ctx context.Context) error {
	if m.ReadyFunc != nil {
		return m.ReadyFunc(ctx)
	}
	return nil
}

// Calls returns how many times payloadRef was analyzed.
func (m *MockAnalyzer) Calls(payloadRef string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[payloadRef]
}

// TotalCalls returns the number of Analyze calls across all payloads.
func (m *MockAnalyzer) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// NewMockAnalyzer returns a MockAnalyzer that echoes its input as the result.
func NewMockAnalyzer() *MockAnalyzer {
	return &MockAnalyzer{
		Name_: "mock",
		AnalyzeFunc: func(_ context.Context, payloadRef, kind string, _ map[string]any) (map[string]any, error) {
			return map[string]any{
				"payload_ref": payloadRef,
				"kind":        kind,
				"length":      len(payloadRef),
			}, nil
		},
	}
}

// NewFailingAnalyzer returns a MockAnalyzer that always returns the given error.
func NewFailingAnalyzer(err error) *MockAnalyzer {
	return &MockAnalyzer{
		Name_: "mock-failing",
		AnalyzeFunc: func(_ context.Context, _, _ string, _ map[string]any) (map[string]any, error) {
			return nil, err
		},
	}
}

// NewTimeoutAnalyzer returns a MockAnalyzer that blocks until its context is done.
func NewTimeoutAnalyzer() *MockAnalyzer {
	return &MockAnalyzer{
		Name_: "mock-timeout",
		AnalyzeFunc: func(ctx context.Context, _, _ string, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// NewFlakyAnalyzer returns a MockAnalyzer that fails the first failures[payloadRef]
// calls for a payload with err, then succeeds like NewMockAnalyzer. A nil err
// defaults to analyzer.ErrAnalyzerUnavailable.
func NewFlakyAnalyzer(failures map[string]int, err error) *MockAnalyzer {
	if err == nil {
		err = analyzer.ErrAnalyzerUnavailable
	}
	m := NewMockAnalyzer()
	m.Name_ = "mock-flaky"
	echo := m.AnalyzeFunc
	m.AnalyzeFunc = func(ctx context.Context, payloadRef, kind string, options map[string]any) (map[string]any, error) {
		if m.Calls(payloadRef) <= failures[payloadRef] {
			return nil, err
		}
		return echo(ctx, payloadRef, kind, options)
	}
	return m
}

// Compile-time check that MockAnalyzer implements Analyzer.
var _ models.Analyzer = (*MockAnalyzer)(nil)
