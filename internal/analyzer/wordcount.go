package analyzer

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/kiranshivaraju/docbatch/pkg/models"
)

const filePrefix = "file://"

// WordcountAnalyzer is a built-in local analyzer producing basic text statistics.
// A payload starting with file:// is read from disk; anything else is analyzed inline.
type WordcountAnalyzer struct{}

func NewWordcountAnalyzer() *WordcountAnalyzer { return &WordcountAnalyzer{} }

func (a *WordcountAnalyzer) Name() string { return "wordcount" }

func (a *WordcountAnalyzer) Analyze(ctx context.Context, payloadRef, kind string, options map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch kind {
	case "text", "academic", "full":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}

	text, err := loadPayload(payloadRef)
	if err != nil {
		return nil, err
	}
	words := tokenize(text)
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: no words in payload", ErrInvalidInput)
	}

	sentences := countSentences(text)
	letters := 0
	for _, w := range words {
		letters += len([]rune(w))
	}

	result := map[string]any{
		"words":           len(words),
		"sentences":       sentences,
		"characters":      len([]rune(text)),
		"avg_word_length": round2(float64(letters) / float64(len(words))),
	}

	if kind == "academic" || kind == "full" {
		syllables := 0
		for _, w := range words {
			syllables += countSyllables(w)
		}
		result["syllables"] = syllables
		result["flesch_reading_ease"] = round2(206.835 -
			1.015*(float64(len(words))/float64(sentences)) -
			84.6*(float64(syllables)/float64(len(words))))
	}

	if kind == "full" {
		top := 10
		if v, ok := options["top_terms"].(float64); ok && v > 0 {
			top = int(v)
		}
		result["top_terms"] = topTerms(words, top)
	}

	return result, nil
}

func loadPayload(ref string) (string, error) {
	if !strings.HasPrefix(ref, filePrefix) {
		return ref, nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(ref, filePrefix))
	if err != nil {
		return "", fmt.Errorf("%w: reading payload: %v", ErrInvalidInput, err)
	}
	return string(data), nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func countSentences(text string) int {
	n := 0
	for _, s := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	if n == 0 {
		n = 1
	}
	return n
}

// countSyllables approximates syllables as vowel groups, with a silent trailing e.
func countSyllables(word string) int {
	vowels := "aeiouy"
	n := 0
	prevVowel := false
	for _, r := range word {
		isVowel := strings.ContainsRune(vowels, r)
		if isVowel && !prevVowel {
			n++
		}
		prevVowel = isVowel
	}
	if strings.HasSuffix(word, "e") && n > 1 {
		n--
	}
	if n == 0 {
		n = 1
	}
	return n
}

type termCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

func topTerms(words []string, limit int) []termCount {
	freq := make(map[string]int)
	for _, w := range words {
		if len([]rune(w)) > 3 {
			freq[w]++
		}
	}
	terms := make([]termCount, 0, len(freq))
	for t, c := range freq {
		terms = append(terms, termCount{Term: t, Count: c})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}

func round2(f float64) float64 {
	if f < 0 {
		return -float64(int64(-f*100+0.5)) / 100
	}
	return float64(int64(f*100+0.5)) / 100
}

var _ models.Analyzer = (*WordcountAnalyzer)(nil)
