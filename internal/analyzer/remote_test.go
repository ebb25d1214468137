package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/docbatch/internal/config"
)

// --- helpers ---

func analysisServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func newTestRemote(t *testing.T, baseURL string) *RemoteAnalyzer {
	t.Helper()
	return NewRemoteAnalyzer(config.RemoteConfig{BaseURL: baseURL + "/", APIKey: "secret"})
}

func TestRemoteAnalyze_ValidResponse(t *testing.T) {
	ts := analysisServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/analyze" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header: %s", got)
		}

		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.PayloadRef != "s3://bucket/a.txt" || req.AnalysisKind != "academic" || req.Options["lang"] != "en" {
			t.Errorf("unexpected request: %+v", req)
		}

		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"readability": 61.2}})
	})

	out, err := newTestRemote(t, ts.URL).Analyze(context.Background(), "s3://bucket/a.txt", "academic", map[string]any{"lang": "en"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["readability"] != 61.2 {
		t.Errorf("unexpected result: %v", out)
	}
}

func TestRemoteAnalyze_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ErrInvalidInput},
		{http.StatusUnprocessableEntity, ErrInvalidInput},
		{http.StatusNotImplemented, ErrUnsupportedKind},
		{http.StatusTooManyRequests, ErrAnalyzerUnavailable},
		{http.StatusServiceUnavailable, ErrAnalyzerUnavailable},
		{http.StatusTeapot, ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := analysisServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"error": "payload is not text"})
			})
			_, err := newTestRemote(t, ts.URL).Analyze(context.Background(), "doc", "text", nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRemoteAnalyze_InvalidInputCarriesServerMessage(t *testing.T) {
	ts := analysisServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "payload is not text"})
	})
	_, err := newTestRemote(t, ts.URL).Analyze(context.Background(), "doc", "text", nil)
	if err == nil || !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if want := "payload is not text"; !strings.Contains(err.Error(), want) {
		t.Errorf("expected %q in %q", want, err.Error())
	}
}

func TestRemoteAnalyze_MissingResult(t *testing.T) {
	ts := analysisServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	_, err := newTestRemote(t, ts.URL).Analyze(context.Background(), "doc", "text", nil)
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestRemoteAnalyze_Timeout(t *testing.T) {
	ts := analysisServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestRemote(t, ts.URL).Analyze(ctx, "doc", "text", nil)
	if !errors.Is(err, ErrAnalysisTimeout) {
		t.Errorf("expected ErrAnalysisTimeout, got %v", err)
	}
}

func TestRemoteAnalyze_Unreachable(t *testing.T) {
	a := NewRemoteAnalyzer(config.RemoteConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := a.Analyze(context.Background(), "doc", "text", nil)
	if !errors.Is(err, ErrAnalyzerUnavailable) {
		t.Errorf("expected ErrAnalyzerUnavailable, got %v", err)
	}
}

func TestRemoteReady(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	ts := analysisServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	a := newTestRemote(t, ts.URL)
	if err := a.Ready(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	healthy.Store(false)
	if err := a.Ready(context.Background()); !errors.Is(err, ErrAnalyzerUnavailable) {
		t.Errorf("expected ErrAnalyzerUnavailable, got %v", err)
	}
}
