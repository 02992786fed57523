package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/xxxsen/mnote/internal/model"
)

// EmbeddingCacheRepo is the Store's persistent half of C2's two-layer
// cache: content-addressed by TextHash, immutable once written, and
// shared across every Processor instance pointed at the same database.
type EmbeddingCacheRepo struct {
	db *sql.DB
}

func NewEmbeddingCacheRepo(db *sql.DB) *EmbeddingCacheRepo {
	return &EmbeddingCacheRepo{db: db}
}

func (r *EmbeddingCacheRepo) Get(ctx context.Context, textHash string) ([]float32, bool, error) {
	const query = `SELECT embedding FROM embedding_cache WHERE text_hash = $1`
	row := r.db.QueryRowContext(ctx, query, textHash)
	var embedding pgvector.Vector
	if err := row.Scan(&embedding); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return embedding.Slice(), true, nil
}

func (r *EmbeddingCacheRepo) Save(ctx context.Context, item *model.EmbeddingCacheEntry) error {
	const query = `
		INSERT INTO embedding_cache (text_hash, embedding, model_name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (text_hash) DO NOTHING
	`
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, query,
		item.TextHash,
		pgvector.NewVector(item.Embedding),
		item.ModelName,
		createdAt,
	)
	return err
}

func (r *EmbeddingCacheRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM embedding_cache WHERE created_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
