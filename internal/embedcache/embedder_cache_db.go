package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/mnote/internal/ai"
	"github.com/xxxsen/mnote/internal/model"
	"github.com/xxxsen/mnote/internal/repo"
	"go.uber.org/zap"
)

// WrapDBCacheToEmbedder decorates e with the Postgres-backed persistent
// cache layer (C1's embedding_cache table): a content hash of
// modelname+text is looked up before falling through to the remote
// embedder, and any miss is written back for future batches and future
// processes to reuse.
func WrapDBCacheToEmbedder(e ai.IEmbedder, cacheRepo *repo.EmbeddingCacheRepo) ai.IEmbedder {
	if e == nil || cacheRepo == nil {
		return e
	}
	return &dbEmbedder{next: e, repo: cacheRepo}
}

type dbEmbedder struct {
	next ai.IEmbedder
	repo *repo.EmbeddingCacheRepo
}

func (d *dbEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	if d == nil || d.next == nil {
		return nil, nil
	}
	modelName := normalizeModelName(d.next.ModelName())
	hash := TextHash(modelName, text)
	if d.repo != nil {
		values, ok, err := d.repo.Get(ctx, hash)
		if err != nil {
			return nil, err
		}
		if ok {
			logutil.GetLogger(ctx).Debug("embedding cache hit (db)", zap.String("model_name", modelName))
			return values, nil
		}
	}
	res, err := d.next.Embed(ctx, text, taskType)
	if err != nil {
		return nil, err
	}
	if d.repo != nil {
		if err := d.repo.Save(ctx, &model.EmbeddingCacheEntry{
			TextHash:  hash,
			Embedding: res,
			ModelName: modelName,
			CreatedAt: time.Now(),
		}); err != nil {
			logutil.GetLogger(ctx).Warn("failed to cache embedding", zap.Error(err))
		}
	}
	return res, nil
}

func (d *dbEmbedder) ModelName() string {
	if d == nil || d.next == nil {
		return ""
	}
	return d.next.ModelName()
}

func normalizeModelName(modelName string) string {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		modelName = "unknown"
	}
	return modelName
}

// TextHash is the content address used by both cache layers: a SHA-256
// digest of the model name and text, so switching embedding models never
// serves a stale vector under the same key.
func TextHash(modelName, text string) string {
	sum := sha256.Sum256([]byte(modelName + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
