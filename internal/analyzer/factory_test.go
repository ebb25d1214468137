package analyzer_test

import (
	"testing"

	"github.com/kiranshivaraju/docbatch/internal/analyzer"
	"github.com/kiranshivaraju/docbatch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAnalyzer_Remote(t *testing.T) {
	cfg := config.AnalyzerConfig{
		Provider: "remote",
		Remote:   config.RemoteConfig{BaseURL: "http://localhost:9000"},
	}
	a, err := analyzer.NewAnalyzer(cfg)
	require.NoError(t, err)
	assert.Equal(t, "remote", a.Name())
}

func TestNewAnalyzer_Wordcount(t *testing.T) {
	a, err := analyzer.NewAnalyzer(config.AnalyzerConfig{Provider: "wordcount"})
	require.NoError(t, err)
	assert.Equal(t, "wordcount", a.Name())
}

func TestNewAnalyzer_Unknown(t *testing.T) {
	_, err := analyzer.NewAnalyzer(config.AnalyzerConfig{Provider: "spacy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spacy")
}
