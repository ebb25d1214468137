// Package failures groups a job's failed items by the shape of their error.
package failures

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

const (
	maxSamples       = 5
	maxMessageBytes  = 2000
	maxNormalizedLen = 500

	// NoMessage stands in for failures recorded without an error text.
	NoMessage = "(no error message)"
)

var (
	reDatetime   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reDuration   = regexp.MustCompile(`\b\d+(\.\d+)?(ns|µs|us|ms|s|m|h)\b`)
	reBracketNum = regexp.MustCompile(`\[\d+\]`)
	reParenNum   = regexp.MustCompile(`\(\d+\)`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

type group struct {
	fingerprint string
	message     string
	count       int
	first, last *time.Time
	samples     []uuid.UUID
}

// Summarizer accumulates failed items one at a time, so a job's failures can be
// grouped page by page.
type Summarizer struct {
	groups map[string]*group
}

func NewSummarizer() *Summarizer {
	return &Summarizer{groups: make(map[string]*group)}
}

// Add records one failed item. Items in any other status are ignored.
func (s *Summarizer) Add(it *models.Item) {
	if it.Status != models.ItemStatusFailed {
		return
	}
	msg := NoMessage
	if it.LastError != nil && strings.TrimSpace(*it.LastError) != "" {
		msg = *it.LastError
	}
	fp := Fingerprint(msg)
	g, ok := s.groups[fp]
	if !ok {
		g = &group{fingerprint: fp, message: truncate(msg, maxMessageBytes)}
		s.groups[fp] = g
	}
	g.count++
	if len(g.samples) < maxSamples {
		g.samples = append(g.samples, it.ID)
	}
	if t := it.FinishedAt; t != nil {
		if g.first == nil || t.Before(*g.first) {
			g.first = t
		}
		if g.last == nil || t.After(*g.last) {
			g.last = t
		}
	}
}

// Groups returns the groups by count, largest first; ties go to the earliest failure.
// The result is never nil.
func (s *Summarizer) Groups() []models.FailureGroup {
	out := make([]models.FailureGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, models.FailureGroup{
			Fingerprint:   g.fingerprint,
			Message:       g.message,
			Count:         g.count,
			FirstSeenAt:   g.first,
			LastSeenAt:    g.last,
			SampleItemIDs: g.samples,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.FirstSeenAt != nil && b.FirstSeenAt != nil && !a.FirstSeenAt.Equal(*b.FirstSeenAt) {
			return a.FirstSeenAt.Before(*b.FirstSeenAt)
		}
		return a.Fingerprint < b.Fingerprint
	})
	return out
}

// Summarize groups items in one call.
func Summarize(items []*models.Item) []models.FailureGroup {
	s := NewSummarizer()
	for _, it := range items {
		s.Add(it)
	}
	return s.Groups()
}

// Fingerprint is a stable SHA-256 of the normalized message.
func Fingerprint(message string) string {
	hash := sha256.Sum256([]byte(NormalizeMessage(message)))
	return fmt.Sprintf("%x", hash)
}

// NormalizeMessage masks the variable parts of an error message: timestamps,
// addresses, ids, durations and counters.
func NormalizeMessage(msg string) string {
	msg = reDatetime.ReplaceAllString(msg, "TIME")
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reDuration.ReplaceAllString(msg, "DURATION")
	msg = reBracketNum.ReplaceAllString(msg, "[N]")
	msg = reParenNum.ReplaceAllString(msg, "(N)")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	return truncate(msg, maxNormalizedLen)
}

// truncate cuts s to maxBytes without splitting UTF-8 runes.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
