package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/docbatch/internal/config"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// RemoteAnalyzer calls an external analysis service over HTTP.
// The request deadline comes from the caller's context.
type RemoteAnalyzer struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemoteAnalyzer creates a new RemoteAnalyzer.
func NewRemoteAnalyzer(cfg config.RemoteConfig) *RemoteAnalyzer {
	return &RemoteAnalyzer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{},
	}
}

func (a *RemoteAnalyzer) Name() string { return "remote" }

type analyzeRequest struct {
	PayloadRef   string         `json:"payload_ref"`
	AnalysisKind string         `json:"analysis_kind"`
	Options      map[string]any `json:"options,omitempty"`
}

type analyzeResponse struct {
	Result map[string]any `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *RemoteAnalyzer) Analyze(ctx context.Context, payloadRef, kind string, options map[string]any) (map[string]any, error) {
	body, err := json.Marshal(analyzeRequest{PayloadRef: payloadRef, AnalysisKind: kind, Options: options})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding options: %v", ErrInvalidInput, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotImplemented:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrAnalyzerUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity ||
		resp.StatusCode == http.StatusRequestEntityTooLarge || resp.StatusCode == http.StatusUnsupportedMediaType:
		return nil, fmt.Errorf("%w: status %d: %s", ErrInvalidInput, resp.StatusCode, readError(resp.Body))
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrInvalidResponse, err)
	}
	if out.Result == nil {
		return nil, fmt.Errorf("%w: missing result", ErrInvalidResponse)
	}
	return out.Result, nil
}

// Ready checks that the analysis service answers its health endpoint.
func (a *RemoteAnalyzer) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: not ready (status %d)", ErrAnalyzerUnavailable, resp.StatusCode)
	}
	return nil
}

func (a *RemoteAnalyzer) setHeaders(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}

func readError(r io.Reader) string {
	var e errorResponse
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&e); err != nil || e.Error == "" {
		return "rejected"
	}
	return e.Error
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAnalysisTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrAnalysisTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
}

// Compile-time check that RemoteAnalyzer implements Analyzer.
var _ models.Analyzer = (*RemoteAnalyzer)(nil)
