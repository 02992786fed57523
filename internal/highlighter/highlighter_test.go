package highlighter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mnote/internal/embed"
)

const testDim = 8

// wordVectorEmbedder assigns every distinct word a fixed pseudo-random
// direction and embeds a phrase as the sum of its words' vectors. This
// gives deterministic, semantically-stable vectors without a real
// model: two phrases sharing a word end up closer in cosine space than
// two phrases that share nothing, which is all the highlighter's
// marginal-contribution scoring needs to exercise.
type wordVectorEmbedder struct{}

func (wordVectorEmbedder) Embed(_ context.Context, text string, _ string) ([]float32, error) {
	out := make([]float32, testDim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		v := wordVector(word)
		for i := range out {
			out[i] += v[i]
		}
	}
	return out, nil
}

func (wordVectorEmbedder) ModelName() string { return "word-vector-fake" }

func wordVector(word string) []float32 {
	v := make([]float32, testDim)
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

func newTestHighlighter(minContribution float64, maxKeywords int) *Highlighter {
	embedder := embed.New(wordVectorEmbedder{}, testDim, 4)
	return New(embedder, NGramConfig{
		Unigrams:             true,
		Bigrams:              true,
		Trigrams:             false,
		MinWordLength:        3,
		MaxStopwordsInPhrase: 1,
	}, maxKeywords, minContribution)
}

func TestCandidatePhrasesFiltersShortWordsAndStopwords(t *testing.T) {
	h := newTestHighlighter(0.05, 10)
	candidates := h.candidatePhrases("the app is so slow to load")
	phrases := make(map[string]bool)
	for _, c := range candidates {
		phrases[c.phrase] = true
	}
	require.True(t, phrases["app"])
	require.True(t, phrases["slow"])
	require.True(t, phrases["load"])
	require.False(t, phrases["is"])
	require.False(t, phrases["so"])
	require.False(t, phrases["to"])
}

func TestCandidatePhrasesDedupesByFirstOccurrence(t *testing.T) {
	h := newTestHighlighter(0.05, 10)
	candidates := h.candidatePhrases("slow load, really slow load")
	count := 0
	var positions []int
	for _, c := range candidates {
		if c.phrase == "slow load" {
			count++
			positions = c.positions
		}
	}
	require.Equal(t, 1, count, "duplicate phrase must collapse to one candidate entry")
	require.Len(t, positions, 2, "every occurrence position must still be recorded")
}

func TestHighlightScoresAndOrdersByMarginalContribution(t *testing.T) {
	ctx := context.Background()
	h := newTestHighlighter(0.0, 10)

	responseText := "checkout crashes constantly and the app is unusable"
	themeText := "checkout crashes"

	embedder := embed.New(wordVectorEmbedder{}, testDim, 4)
	responseEmbedding, err := embedder.Embed(ctx, responseText)
	require.NoError(t, err)
	themeEmbedding, err := embedder.Embed(ctx, themeText)
	require.NoError(t, err)

	keywords, err := h.Highlight(ctx, responseText, responseEmbedding, themeEmbedding)
	require.NoError(t, err)
	require.NotEmpty(t, keywords)

	for i := 1; i < len(keywords); i++ {
		require.GreaterOrEqual(t, keywords[i-1].Score, keywords[i].Score)
	}

	var sawCrashes bool
	for _, k := range keywords {
		if k.Phrase == "crashes" || k.Phrase == "checkout crashes" {
			sawCrashes = true
		}
	}
	require.True(t, sawCrashes, "a phrase overlapping the theme's own vocabulary should surface as a keyword")
}

func TestHighlightRespectsMaxKeywordsCap(t *testing.T) {
	ctx := context.Background()
	h := newTestHighlighter(-1.0, 2) // negative threshold: keep everything, cap does the work

	responseText := "checkout crashes billing errors slow load timeout retry failure"
	embedder := embed.New(wordVectorEmbedder{}, testDim, 4)
	responseEmbedding, err := embedder.Embed(ctx, responseText)
	require.NoError(t, err)
	themeEmbedding, err := embedder.Embed(ctx, "billing errors")
	require.NoError(t, err)

	keywords, err := h.Highlight(ctx, responseText, responseEmbedding, themeEmbedding)
	require.NoError(t, err)
	require.LessOrEqual(t, len(keywords), 2)
}

func TestHighlightReturnsNoneBelowThreshold(t *testing.T) {
	ctx := context.Background()
	h := newTestHighlighter(1.5, 10) // unreachable threshold

	embedder := embed.New(wordVectorEmbedder{}, testDim, 4)
	responseEmbedding, err := embedder.Embed(ctx, "the app works fine")
	require.NoError(t, err)
	themeEmbedding, err := embedder.Embed(ctx, "app works fine")
	require.NoError(t, err)

	keywords, err := h.Highlight(ctx, "the app works fine", responseEmbedding, themeEmbedding)
	require.NoError(t, err)
	require.Empty(t, keywords)
}
