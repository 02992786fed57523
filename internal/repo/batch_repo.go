package repo

import (
	"context"
	"database/sql"

	"github.com/xxxsen/mnote/internal/model"
	"github.com/xxxsen/mnote/internal/pkg/dbutil"
	appErr "github.com/xxxsen/mnote/internal/pkg/errors"
)

// BatchRepo persists batch_metadata: one row per processed batch_id,
// primary-keyed so re-running the same batch_id trips the monotonic
// guard rather than silently reprocessing.
type BatchRepo struct {
	db dbExecer
}

func NewBatchRepo(db dbExecer) *BatchRepo {
	return &BatchRepo{db: db}
}

func (r *BatchRepo) Put(ctx context.Context, m *model.BatchMetadata) error {
	const query = `
		INSERT INTO batch_metadata
			(batch_id, question, total_responses, new_themes_count, updated_themes_count,
			 deleted_themes_count, processing_time_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		m.BatchID, m.Question, m.TotalResponses, m.NewThemesCount, m.UpdatedThemesCount,
		m.DeletedThemesCount, m.ProcessingTimeSeconds)
	if err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrIntegrityConflict
		}
		return err
	}
	return nil
}

func (r *BatchRepo) GetByID(ctx context.Context, batchID int64) (*model.BatchMetadata, error) {
	const query = `
		SELECT batch_id, question, total_responses, new_themes_count, updated_themes_count,
			deleted_themes_count, processing_time_seconds, processed_at
		FROM batch_metadata
		WHERE batch_id = $1
	`
	row := r.db.QueryRowContext(ctx, query, batchID)
	var m model.BatchMetadata
	if err := row.Scan(&m.BatchID, &m.Question, &m.TotalResponses, &m.NewThemesCount, &m.UpdatedThemesCount,
		&m.DeletedThemesCount, &m.ProcessingTimeSeconds, &m.ProcessedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *BatchRepo) Exists(ctx context.Context, batchID int64) (bool, error) {
	const query = `SELECT 1 FROM batch_metadata WHERE batch_id = $1`
	row := r.db.QueryRowContext(ctx, query, batchID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
