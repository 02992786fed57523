package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"database": {"host": "localhost"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "disable", cfg.Database.SSLMode)
	require.Equal(t, "ollama", cfg.Embedding.Provider)
	require.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
	require.Equal(t, 768, cfg.Embedding.Dim)
	require.Equal(t, "ollama", cfg.Generation.Provider)
	require.Equal(t, 0.75, cfg.Thresholds.Match)
	require.Equal(t, 0.50, cfg.Thresholds.Update)
	require.Equal(t, 0.85, cfg.Thresholds.Merge)
	require.Equal(t, 2, cfg.Thresholds.MinResponsesPerTheme)
	require.Equal(t, 100, cfg.Processing.BatchSize)
	require.True(t, cfg.NGram.Unigrams)
	require.True(t, cfg.NGram.Bigrams)
	require.True(t, cfg.NGram.Trigrams)
}

func TestLoadPreservesExplicitNGramChoice(t *testing.T) {
	path := writeConfig(t, `{"database": {"host": "localhost"}, "ngram": {"trigrams": true}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.False(t, cfg.NGram.Unigrams, "an explicit single-flag choice must not be overridden by the all-false default rule")
	require.False(t, cfg.NGram.Bigrams)
	require.True(t, cfg.NGram.Trigrams)
}

func TestLoadRejectsMissingDatabase(t *testing.T) {
	path := writeConfig(t, `{}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsOutOfRangeThreshold(t *testing.T) {
	path := writeConfig(t, `{"database": {"host": "localhost"}, "thresholds": {"match": 1.5}}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsTooLowMinResponsesPerTheme(t *testing.T) {
	path := writeConfig(t, `{"database": {"host": "localhost"}, "thresholds": {"min_responses_per_theme": 1}}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
