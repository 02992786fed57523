package processor_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mnote/internal/ai"
	"github.com/xxxsen/mnote/internal/config"
	"github.com/xxxsen/mnote/internal/embed"
	"github.com/xxxsen/mnote/internal/evolver"
	"github.com/xxxsen/mnote/internal/extractor"
	"github.com/xxxsen/mnote/internal/highlighter"
	appErr "github.com/xxxsen/mnote/internal/pkg/errors"
	"github.com/xxxsen/mnote/internal/processor"
	"github.com/xxxsen/mnote/internal/store"
	"github.com/xxxsen/mnote/test/testutil"
)

const wordDim = 16

// fakeAIBackend stands in for a real LLM/embedding provider. Embed
// gives every distinct word a fixed pseudo-random direction so
// semantically related responses land close together in cosine space;
// Generate returns a canned theme-extraction JSON payload so the
// pipeline never makes a network call.
type fakeAIBackend struct {
	extraction []ai.ExtractedTheme
}

func (f *fakeAIBackend) Generate(_ context.Context, prompt string) (string, error) {
	if strings.Contains(prompt, "Rewrite its description") {
		return "an updated description reflecting recent responses", nil
	}
	raw, _ := json.Marshal(f.extraction)
	return string(raw), nil
}

func (f *fakeAIBackend) Embed(_ context.Context, text string, _ string) ([]float32, error) {
	out := make([]float32, wordDim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		v := wordVector(word)
		for i := range out {
			out[i] += v[i]
		}
	}
	return out, nil
}

func (f *fakeAIBackend) ModelName() string { return "fake-model" }

func wordVector(word string) []float32 {
	v := make([]float32, wordDim)
	h := uint32(2166136261)
	for _, c := range word {
		h ^= uint32(c)
		h *= 16777619
	}
	for i := range v {
		h ^= h << 13
		h ^= h >> 17
		h ^= h << 5
		v[i] = float32(h%1000)/1000 - 0.5
	}
	return v
}

func newTestProcessor(t *testing.T, backend *fakeAIBackend) (*processor.Processor, func()) {
	t.Helper()
	conn, cleanup := testutil.OpenTestDB(t)

	st := store.New(conn, config.VectorConfig{})
	embedder := embed.New(backend, wordDim, 4)
	manager := ai.NewManager(backend, backend, ai.ManagerConfig{MaxInputChars: 12000})
	ext := extractor.New(manager, 12000, 20)
	thresholds := config.ThresholdsConfig{
		Match: 0.75, Update: 0.50, Merge: 0.85,
		SplitVariance: 0.40, DriftUpdate: 0.20,
		MinContribution: 0.0, MinResponsesPerTheme: 2,
	}
	hl := highlighter.New(embedder, highlighter.NGramConfig{
		Unigrams: true, Bigrams: true, MinWordLength: 3, MaxStopwordsInPhrase: 1,
	}, 10, thresholds.MinContribution)
	ev := evolver.New(ext, embedder, thresholds, 1, 20)
	proc := processor.New(st, embedder, ext, hl, ev, config.ProcessingConfig{}, thresholds)

	return proc, cleanup
}

func TestProcessBatchCreatesThemesAndAssignments(t *testing.T) {
	backend := &fakeAIBackend{extraction: []ai.ExtractedTheme{
		{Name: "billing issues", Description: "responses about billing charges and invoices"},
		{Name: "app crashes", Description: "responses about the app crashing or freezing"},
	}}
	proc, cleanup := newTestProcessor(t, backend)
	defer cleanup()

	ctx := context.Background()
	result, err := proc.ProcessBatch(ctx, processor.Batch{
		ID:       1001,
		Question: "What is your biggest frustration?",
		Texts: []string{
			"billing charges me twice every month",
			"my invoice never matches what I was quoted",
			"the app crashes constantly on startup",
			"app freezes and I lose my work",
		},
	})
	require.NoError(t, err)
	require.Equal(t, 4, result.TotalResponses)
	require.GreaterOrEqual(t, result.NewThemesCount, 1)
	// a fresh catalog has nothing to merge and too few touches per theme
	// to clear refresh_descriptions' >= 3 gate, so both counts stay zero.
	require.Equal(t, 0, result.UpdatedThemesCount)
	require.Equal(t, 0, result.DeletedThemesCount)
}

func TestProcessManyContinuesPastAFailingBatch(t *testing.T) {
	backend := &fakeAIBackend{extraction: []ai.ExtractedTheme{
		{Name: "refund requests", Description: "responses asking for a refund"},
	}}
	proc, cleanup := newTestProcessor(t, backend)
	defer cleanup()

	ctx := context.Background()
	first := processor.Batch{ID: 2001, Question: "Feedback?", Texts: []string{"please refund my order"}}
	duplicate := processor.Batch{ID: 2001, Question: "Feedback?", Texts: []string{"please refund my order again"}}
	third := processor.Batch{ID: 2002, Question: "Feedback?", Texts: []string{"the refund process was slow"}}

	results, err := proc.ProcessMany(ctx, []processor.Batch{first, duplicate, third}, true)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, int64(2001), results[0].BatchID)
	require.Equal(t, int64(2002), results[1].BatchID)
}

func TestProcessManyStopsOnFirstFailureWithoutContinueOnError(t *testing.T) {
	backend := &fakeAIBackend{extraction: []ai.ExtractedTheme{
		{Name: "refund requests", Description: "responses asking for a refund"},
	}}
	proc, cleanup := newTestProcessor(t, backend)
	defer cleanup()

	ctx := context.Background()
	first := processor.Batch{ID: 3001, Question: "Feedback?", Texts: []string{"please refund my order"}}
	duplicate := processor.Batch{ID: 3001, Question: "Feedback?", Texts: []string{"please refund my order again"}}
	third := processor.Batch{ID: 3002, Question: "Feedback?", Texts: []string{"the refund process was slow"}}

	results, err := proc.ProcessMany(ctx, []processor.Batch{first, duplicate, third}, false)
	require.Error(t, err)
	require.Len(t, results, 1)
}

func TestProcessBatchRejectsDuplicateBatchID(t *testing.T) {
	backend := &fakeAIBackend{extraction: []ai.ExtractedTheme{
		{Name: "shipping delays", Description: "responses about slow shipping"},
	}}
	proc, cleanup := newTestProcessor(t, backend)
	defer cleanup()

	ctx := context.Background()
	batch := processor.Batch{
		ID:       1002,
		Question: "Any other feedback?",
		Texts:    []string{"shipping took three weeks to arrive"},
	}
	_, err := proc.ProcessBatch(ctx, batch)
	require.NoError(t, err)

	_, err = proc.ProcessBatch(ctx, batch)
	require.ErrorIs(t, err, appErr.ErrIntegrityConflict)
}
