package highlighter

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/xxxsen/mnote/internal/embed"
)

// Highlighter is C4: picks the substrings of a response whose embeddings
// best explain its similarity to an assigned theme.
type Highlighter struct {
	embedder      *embed.Embedder
	ngram         NGramConfig
	maxKeywords   int
	minContribution float64
}

type NGramConfig struct {
	Unigrams             bool
	Bigrams              bool
	Trigrams             bool
	MinWordLength        int
	MaxStopwordsInPhrase int
}

func New(embedder *embed.Embedder, ngram NGramConfig, maxKeywords int, minContribution float64) *Highlighter {
	if maxKeywords <= 0 {
		maxKeywords = 10
	}
	return &Highlighter{embedder: embedder, ngram: ngram, maxKeywords: maxKeywords, minContribution: minContribution}
}

// Keyword is one highlighted phrase with its marginal score and every
// character-offset occurrence in the source text.
type Keyword struct {
	Phrase    string
	Score     float64
	Positions []int
}

var tokenRe = regexp.MustCompile(`[a-zA-Z0-9']+`)

// Highlight scores candidate n-grams from responseText against
// themeEmbedding using the marginal-contribution formula:
// cos(theme, candidate) - cos(theme, response).
func (h *Highlighter) Highlight(ctx context.Context, responseText string, responseEmbedding []float32, themeEmbedding []float32) ([]Keyword, error) {
	baseline := embed.CosineSimilarity(themeEmbedding, responseEmbedding)
	candidates := h.candidatePhrases(responseText)
	if len(candidates) == 0 {
		return nil, nil
	}
	phrases := make([]string, 0, len(candidates))
	for _, c := range candidates {
		phrases = append(phrases, c.phrase)
	}
	vectors, err := h.embedder.EmbedMany(ctx, phrases)
	if err != nil {
		return nil, err
	}

	out := make([]Keyword, 0, len(candidates))
	for i, c := range candidates {
		score := embed.CosineSimilarity(themeEmbedding, vectors[i]) - baseline
		if score < h.minContribution {
			continue
		}
		out = append(out, Keyword{Phrase: c.phrase, Score: score, Positions: c.positions})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		li, lj := len(out[i].Phrase), len(out[j].Phrase)
		if li != lj {
			return li > lj
		}
		return out[i].Positions[0] < out[j].Positions[0]
	})
	if len(out) > h.maxKeywords {
		out = out[:h.maxKeywords]
	}
	return out, nil
}

type candidate struct {
	phrase    string
	positions []int
}

// candidatePhrases enumerates unigrams/bigrams/trigrams over
// responseText, lowercased, filtered by minimum word length and a cap on
// stopwords per phrase, deduplicated by earliest occurrence.
func (h *Highlighter) candidatePhrases(text string) []candidate {
	lower := strings.ToLower(text)
	type tok struct {
		word string
		pos  int
	}
	locs := tokenRe.FindAllStringIndex(lower, -1)
	tokens := make([]tok, 0, len(locs))
	for _, loc := range locs {
		tokens = append(tokens, tok{word: lower[loc[0]:loc[1]], pos: loc[0]})
	}

	order := make([]string, 0)
	seen := make(map[string]*candidate)
	addOccurrence := func(phrase string, pos int) {
		if c, ok := seen[phrase]; ok {
			c.positions = append(c.positions, pos)
			return
		}
		c := &candidate{phrase: phrase, positions: []int{pos}}
		seen[phrase] = c
		order = append(order, phrase)
	}

	minLen := h.ngram.MinWordLength
	if minLen <= 0 {
		minLen = 3
	}
	maxStop := h.ngram.MaxStopwordsInPhrase

	for n := 1; n <= 3; n++ {
		switch n {
		case 1:
			if !h.ngram.Unigrams {
				continue
			}
		case 2:
			if !h.ngram.Bigrams {
				continue
			}
		case 3:
			if !h.ngram.Trigrams {
				continue
			}
		}
		for i := 0; i+n <= len(tokens); i++ {
			window := tokens[i : i+n]
			stopCount := 0
			valid := true
			words := make([]string, n)
			for j, t := range window {
				if len(t.word) < minLen && !isStopword(t.word) {
					valid = false
					break
				}
				if isStopword(t.word) {
					stopCount++
				}
				words[j] = t.word
			}
			if !valid || stopCount > maxStop || stopCount == n {
				continue // a phrase made entirely of stopwords carries no content
			}
			phrase := strings.Join(words, " ")
			addOccurrence(phrase, window[0].pos)
		}
	}

	out := make([]candidate, 0, len(order))
	for _, phrase := range order {
		out = append(out, *seen[phrase])
	}
	return out
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "if": {}, "then": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "being": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "by": {},
	"it": {}, "its": {}, "this": {}, "that": {}, "these": {}, "those": {},
	"i": {}, "you": {}, "he": {}, "she": {}, "we": {}, "they": {}, "them": {}, "us": {},
	"my": {}, "your": {}, "our": {}, "their": {}, "his": {}, "her": {},
	"not": {}, "no": {}, "so": {}, "as": {}, "do": {}, "does": {}, "did": {},
	"have": {}, "has": {}, "had": {}, "can": {}, "could": {}, "would": {}, "should": {},
	"will": {}, "just": {}, "very": {}, "really": {}, "also": {}, "too": {},
}

func isStopword(word string) bool {
	_, ok := stopwords[word]
	return ok
}
