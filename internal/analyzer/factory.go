package analyzer

import (
	"fmt"

	"github.com/kiranshivaraju/docbatch/internal/config"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// NewAnalyzer constructs the analyzer named by config.
// Called once at server startup.
func NewAnalyzer(cfg config.AnalyzerConfig) (models.Analyzer, error) {
	switch cfg.Provider {
	case "remote":
		return NewRemoteAnalyzer(cfg.Remote), nil
	case "wordcount":
		return NewWordcountAnalyzer(), nil
	default:
		return nil, fmt.Errorf("unknown analyzer provider %q: must be one of remote, wordcount", cfg.Provider)
	}
}
