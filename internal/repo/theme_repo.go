package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/didi/gendry/builder"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/mnote/internal/model"
	"github.com/xxxsen/mnote/internal/pkg/dbutil"
	appErr "github.com/xxxsen/mnote/internal/pkg/errors"
)

// ThemeRepo persists extracted_themes: the mutable side of the Store,
// since a theme's embedding, status and response_count all change as
// batches are processed.
type ThemeRepo struct {
	db     dbExecer
	probes int
	lists  int
}

// NewThemeRepo wires probes/lists from config.VectorConfig into every
// FindSimilar call this repo makes; pass 0 for both to always take the
// exact-scan path (used by tests that never build the ivfflat index).
func NewThemeRepo(db dbExecer, probes, lists int) *ThemeRepo {
	return &ThemeRepo{db: db, probes: probes, lists: lists}
}

func (r *ThemeRepo) Put(ctx context.Context, t *model.Theme) (int64, error) {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return 0, err
	}
	data := map[string]interface{}{
		"name":               t.Name,
		"description":        t.Description,
		"embedding":          pgvector.NewVector(t.Embedding),
		"created_at_batch":   t.CreatedAtBatch,
		"last_updated_batch": t.LastUpdatedBatch,
		"status":             string(t.Status),
		"parent_theme_id":    t.ParentThemeID,
		"response_count":     t.ResponseCount,
		"metadata":           meta,
	}
	sqlStr, args, err := builder.BuildInsert("extracted_themes", []map[string]interface{}{data})
	if err != nil {
		return 0, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	sqlStr += " RETURNING id"
	var id int64
	if err := r.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// Update rewrites the mutable columns of an existing theme. Used by the
// Evolver's update/merge/split/retire transitions.
func (r *ThemeRepo) Update(ctx context.Context, t *model.Theme) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	where := map[string]interface{}{"id": t.ID}
	update := map[string]interface{}{
		"name":               t.Name,
		"description":        t.Description,
		"embedding":          pgvector.NewVector(t.Embedding),
		"last_updated_batch": t.LastUpdatedBatch,
		"status":             string(t.Status),
		"parent_theme_id":    t.ParentThemeID,
		"response_count":     t.ResponseCount,
		"metadata":           meta,
	}
	sqlStr, args, err := builder.BuildUpdate("extracted_themes", where, update)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	result, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

// SoftRetire flips status to retired and records the reason in metadata,
// never deleting the row: retired themes stay addressable by id for
// evolution-log lookups and rewritten assignments.
func (r *ThemeRepo) SoftRetire(ctx context.Context, id int64, reason string, batchID int64) error {
	t, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	t.Status = model.ThemeStatusRetired
	t.Metadata.RetireReason = reason
	t.ResponseCount = 0
	t.LastUpdatedBatch = batchID
	return r.Update(ctx, t)
}

func (r *ThemeRepo) GetByID(ctx context.Context, id int64) (*model.Theme, error) {
	where := map[string]interface{}{"id": id}
	sqlStr, args, err := builder.BuildSelect("extracted_themes", where, themeColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	row := r.db.QueryRowContext(ctx, sqlStr, args...)
	return scanTheme(row)
}

func (r *ThemeRepo) ListActive(ctx context.Context) ([]model.Theme, error) {
	where := map[string]interface{}{"status": string(model.ThemeStatusActive)}
	sqlStr, args, err := builder.BuildSelect("extracted_themes", where, themeColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Theme
	for rows.Next() {
		t, err := scanThemeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// FindSimilar returns themes in the given status whose cosine similarity
// to vec is at least minCos, most similar first, capped at k.
func (r *ThemeRepo) FindSimilar(ctx context.Context, vec []float32, minCos float64, k int, status model.ThemeStatus) ([]model.Theme, error) {
	if k <= 0 {
		k = 10
	}
	if err := setIVFFlatProbes(ctx, r.db, "extracted_themes", r.probes, r.lists); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, name, description, embedding, created_at_batch, last_updated_batch,
			status, parent_theme_id, response_count, metadata, created_at
		FROM extracted_themes
		WHERE status = $3 AND (1 - (embedding <=> $1)) >= $2
		ORDER BY embedding <=> $1
		LIMIT %d
	`, k)
	rows, err := r.db.QueryContext(ctx, query, pgvector.NewVector(vec), minCos, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Theme
	for rows.Next() {
		t, err := scanThemeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

var themeColumns = []string{
	"id", "name", "description", "embedding", "created_at_batch", "last_updated_batch",
	"status", "parent_theme_id", "response_count", "metadata", "created_at",
}

func scanTheme(row *sql.Row) (*model.Theme, error) {
	return scanThemeGeneric(row)
}

func scanThemeRows(rows *sql.Rows) (*model.Theme, error) {
	return scanThemeGeneric(rows)
}

func scanThemeGeneric(s rowScanner) (*model.Theme, error) {
	var t model.Theme
	var vec pgvector.Vector
	var status string
	var meta []byte
	if err := s.Scan(&t.ID, &t.Name, &t.Description, &vec, &t.CreatedAtBatch, &t.LastUpdatedBatch,
		&status, &t.ParentThemeID, &t.ResponseCount, &meta, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	t.Embedding = vec.Slice()
	t.Status = model.ThemeStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, err
		}
	}
	return &t, nil
}
