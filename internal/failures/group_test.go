package failures

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

func failed(msg string, at time.Time) *models.Item {
	it := &models.Item{ID: uuid.Must(uuid.NewV7()), Status: models.ItemStatusFailed, FinishedAt: &at}
	if msg != "" {
		it.LastError = &msg
	}
	return it
}

// --- NormalizeMessage tests ---

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "masks datetime with T separator",
			input:    "2024-02-17T01:47:32.123Z connection refused",
			expected: "time connection refused",
		},
		{
			name:     "masks datetime with space separator and offset",
			input:    "deadline 2024-02-17 01:47:32+05:30 passed",
			expected: "deadline time passed",
		},
		{
			name:     "replaces hex addresses",
			input:    "segfault at 0x7fff5fc00000 in main",
			expected: "segfault at 0xaddr in main",
		},
		{
			name:     "replaces UUIDs",
			input:    "payload 550e8400-e29b-41d4-a716-446655440000 unreadable",
			expected: "payload uuid unreadable",
		},
		{
			name:     "replaces durations",
			input:    "analysis timed out after 30s (limit 1.5m)",
			expected: "analysis timed out after duration (limit duration)",
		},
		{
			name:     "replaces bracketed and parenthesized numbers",
			input:    "chunk [42] rejected with code (500)",
			expected: "chunk [n] rejected with code (n)",
		},
		{
			name:     "collapses whitespace and lowercases",
			input:    "  Analyzer   UNAVAILABLE ",
			expected: "analyzer unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeMessage(tt.input)
			if got != tt.expected {
				t.Errorf("\nexpected: %q\ngot:      %q", tt.expected, got)
			}
		})
	}
}

func TestNormalizeMessage_TruncatesTo500(t *testing.T) {
	got := NormalizeMessage(strings.Repeat("a", 600))
	if len(got) > 500 {
		t.Errorf("expected max 500 chars, got %d", len(got))
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	got := truncate("ééé", 3)
	if got != "é" {
		t.Errorf("expected %q, got %q", "é", got)
	}
}

// --- Fingerprint tests ---

func TestFingerprint_IgnoresVariableParts(t *testing.T) {
	fp1 := Fingerprint("item 550e8400-e29b-41d4-a716-446655440000 timed out after 30s")
	fp2 := Fingerprint("item 123e4567-e89b-12d3-a456-426614174000 timed out after 2m")
	if fp1 != fp2 {
		t.Errorf("expected equal fingerprints:\n  %s\n  %s", fp1, fp2)
	}
}

func TestFingerprint_DifferentMessages(t *testing.T) {
	if Fingerprint("empty payload") == Fingerprint("unsupported analysis kind") {
		t.Error("different messages should have different fingerprints")
	}
}

func TestFingerprint_IsLowercaseHex(t *testing.T) {
	fp := Fingerprint("test message")
	if len(fp) != 64 {
		t.Errorf("expected 64 char hex string, got %d chars: %s", len(fp), fp)
	}
	for _, c := range fp {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Errorf("fingerprint contains non-lowercase-hex char: %c", c)
			break
		}
	}
}

// --- Summarize tests ---

func TestSummarize_GroupsByNormalizedError(t *testing.T) {
	now := time.Now().UTC()
	items := []*models.Item{
		failed("analyzer unavailable: dial tcp (111)", now.Add(-3*time.Minute)),
		failed("analyzer unavailable: dial tcp (61)", now.Add(-2*time.Minute)),
		failed("Analyzer unavailable:  dial tcp (111)", now.Add(-1*time.Minute)),
		failed("empty payload", now),
	}

	groups := Summarize(items)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Count != 3 {
		t.Errorf("expected first group count 3, got %d", groups[0].Count)
	}
	if groups[0].Message != "analyzer unavailable: dial tcp (111)" {
		t.Errorf("expected first message as sample, got %q", groups[0].Message)
	}
	if len(groups[0].SampleItemIDs) != 3 || groups[0].SampleItemIDs[0] != items[0].ID {
		t.Errorf("unexpected sample ids: %v", groups[0].SampleItemIDs)
	}
	if groups[1].Count != 1 || groups[1].Message != "empty payload" {
		t.Errorf("unexpected second group: %+v", groups[1])
	}
}

func TestSummarize_FirstSeenLastSeen(t *testing.T) {
	t1 := time.Date(2024, 2, 17, 1, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 2, 17, 1, 5, 0, 0, time.UTC)
	t3 := time.Date(2024, 2, 17, 1, 10, 0, 0, time.UTC)

	groups := Summarize([]*models.Item{failed("boom", t2), failed("boom", t1), failed("boom", t3)})
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if !groups[0].FirstSeenAt.Equal(t1) {
		t.Errorf("expected FirstSeenAt %v, got %v", t1, groups[0].FirstSeenAt)
	}
	if !groups[0].LastSeenAt.Equal(t3) {
		t.Errorf("expected LastSeenAt %v, got %v", t3, groups[0].LastSeenAt)
	}
}

func TestSummarize_TiesGoToEarliestFailure(t *testing.T) {
	now := time.Now().UTC()
	groups := Summarize([]*models.Item{
		failed("later", now),
		failed("earlier", now.Add(-time.Hour)),
	})
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Message != "earlier" {
		t.Errorf("expected earlier failure first, got %q", groups[0].Message)
	}
}

func TestSummarize_CapsSamples(t *testing.T) {
	var items []*models.Item
	for i := 0; i < 12; i++ {
		items = append(items, failed("cancelled", time.Now()))
	}
	groups := Summarize(items)
	if groups[0].Count != 12 {
		t.Errorf("expected count 12, got %d", groups[0].Count)
	}
	if len(groups[0].SampleItemIDs) != maxSamples {
		t.Errorf("expected %d samples, got %d", maxSamples, len(groups[0].SampleItemIDs))
	}
}

func TestSummarize_MissingMessageAndOtherStatuses(t *testing.T) {
	done := &models.Item{ID: uuid.New(), Status: models.ItemStatusCompleted}
	groups := Summarize([]*models.Item{failed("", time.Now()), done})
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].Message != NoMessage {
		t.Errorf("expected %q, got %q", NoMessage, groups[0].Message)
	}
}

func TestSummarize_EmptyInput(t *testing.T) {
	groups := Summarize(nil)
	if groups == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(groups) != 0 {
		t.Errorf("expected 0 groups, got %d", len(groups))
	}
}

func TestSummarize_SampleMessageTruncated(t *testing.T) {
	groups := Summarize([]*models.Item{failed(strings.Repeat("x", 3000), time.Now())})
	if len(groups[0].Message) > maxMessageBytes {
		t.Errorf("message should be truncated to %d bytes, got %d", maxMessageBytes, len(groups[0].Message))
	}
}
