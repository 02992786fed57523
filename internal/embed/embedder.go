package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/mnote/internal/ai"
	appErr "github.com/xxxsen/mnote/internal/pkg/errors"
)

// Embedder is C2: text to a fixed-dimension unit vector, with a
// content-hashed read-through cache and a bounded-fan-out batch API.
// The cache decorator chain (LRU over Store) is built by the caller via
// embedcache.WrapLruCacheToEmbedder/WrapDBCacheToEmbedder and injected
// here as the ai.IEmbedder this type wraps with retry.
type Embedder struct {
	backend     ai.IEmbedder
	dim         int
	parallelism int
	maxRetries  int
	baseBackoff time.Duration
}

func New(backend ai.IEmbedder, dim int, parallelism int) *Embedder {
	if parallelism <= 0 {
		parallelism = 8
	}
	return &Embedder{
		backend:     backend,
		dim:         dim,
		parallelism: parallelism,
		maxRetries:  3,
		baseBackoff: 500 * time.Millisecond,
	}
}

// Embed embeds a single text. Empty or whitespace-only input never
// reaches the backend and always returns the zero vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dim), nil
	}
	vec, err := e.embedWithRetry(ctx, text)
	if err != nil {
		return nil, err
	}
	return normalize(vec), nil
}

// EmbedMany embeds a batch, fanning out up to `parallelism` concurrent
// calls to the cache-wrapped backend. Order of the result matches the
// order of texts; duplicate texts are embedded once and share the
// resulting vector, so they cost at most one remote call between them.
func (e *Embedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	slot := make(map[string]int, len(texts))
	unique := make([]string, 0, len(texts))
	for _, text := range texts {
		if _, ok := slot[text]; !ok {
			slot[text] = len(unique)
			unique = append(unique, text)
		}
	}
	vectors := make([][]float32, len(unique))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.parallelism)
	for i, text := range unique {
		i, text := i, text
		group.Go(func() error {
			vec, err := e.Embed(gctx, text)
			if err != nil {
				return err
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	results := make([][]float32, len(texts))
	for i, text := range texts {
		results[i] = vectors[slot[text]]
	}
	return results, nil
}

func (e *Embedder) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	backoff := e.baseBackoff
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, appErr.Wrap(appErr.ErrCancelled, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		vec, err := e.backend.Embed(ctx, text, "")
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, appErr.Wrap(appErr.ErrCancelled, ctx.Err())
		}
	}
	return nil, appErr.Wrap(appErr.ErrEmbeddingFailed, lastErr)
}

func (e *Embedder) ModelName() string {
	if e.backend == nil {
		return ""
	}
	return e.backend.ModelName()
}

// TextHash is the content address the Store cache layer keys on:
// SHA-256 of the model name and raw text bytes.
func TextHash(modelName, text string) string {
	sum := sha256.Sum256([]byte(modelName + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func normalize(vec []float32) []float32 {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return vec
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// CosineSimilarity computes cos(a,b) for two vectors of equal length,
// grounded on the teacher's internal/service/ai_service.go helper.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
