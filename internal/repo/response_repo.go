package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/didi/gendry/builder"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/mnote/internal/model"
	"github.com/xxxsen/mnote/internal/pkg/dbutil"
	appErr "github.com/xxxsen/mnote/internal/pkg/errors"
)

// ResponseRepo persists survey_responses: immutable once written, one row
// per free-text answer plus its embedding.
type ResponseRepo struct {
	db     dbExecer
	probes int
	lists  int
}

// dbExecer is satisfied by both *sql.DB and *sql.Tx so Store can run a
// whole batch through one transaction without repo-level branching.
type dbExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewResponseRepo wires probes/lists from config.VectorConfig into every
// FindSimilar call this repo makes; pass 0 for both to always take the
// exact-scan path (used by tests that never build the ivfflat index).
func NewResponseRepo(db dbExecer, probes, lists int) *ResponseRepo {
	return &ResponseRepo{db: db, probes: probes, lists: lists}
}

func (r *ResponseRepo) Put(ctx context.Context, resp *model.Response) (int64, error) {
	data := map[string]interface{}{
		"batch_id":      resp.BatchID,
		"question":      resp.Question,
		"response_text": resp.Text,
		"embedding":     pgvector.NewVector(resp.Embedding),
	}
	sqlStr, args, err := builder.BuildInsert("survey_responses", []map[string]interface{}{data})
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

func (r *ResponseRepo) GetByID(ctx context.Context, id int64) (*model.Response, error) {
	where := map[string]interface{}{"id": id}
	sqlStr, args, err := builder.BuildSelect("survey_responses", where,
		[]string{"id", "batch_id", "question", "response_text", "embedding", "processed_at"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	row := r.db.QueryRowContext(ctx, sqlStr, args...)
	return scanResponse(row)
}

func (r *ResponseRepo) ListByBatch(ctx context.Context, batchID int64) ([]model.Response, error) {
	where := map[string]interface{}{"batch_id": batchID}
	sqlStr, args, err := builder.BuildSelect("survey_responses", where,
		[]string{"id", "batch_id", "question", "response_text", "embedding", "processed_at"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Response
	for rows.Next() {
		resp, err := scanResponseRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *resp)
	}
	return out, rows.Err()
}

// FindSimilar returns responses whose embedding cosine-similarity to vec
// meets minCos, closest first, capped at k. Grounded on the pgvector
// `<=>` cosine-distance operator pattern.
func (r *ResponseRepo) FindSimilar(ctx context.Context, vec []float32, minCos float64, k int) ([]model.Response, error) {
	if k <= 0 {
		k = 10
	}
	if err := setIVFFlatProbes(ctx, r.db, "survey_responses", r.probes, r.lists); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, batch_id, question, response_text, embedding, processed_at
		FROM survey_responses
		WHERE (1 - (embedding <=> $1)) >= $2
		ORDER BY embedding <=> $1
		LIMIT %d
	`, k)
	rows, err := r.db.QueryContext(ctx, query, pgvector.NewVector(vec), minCos)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Response
	for rows.Next() {
		resp, err := scanResponseRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *resp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResponse(row *sql.Row) (*model.Response, error) {
	return scanResponseGeneric(row)
}

func scanResponseRows(rows *sql.Rows) (*model.Response, error) {
	return scanResponseGeneric(rows)
}

func scanResponseGeneric(s rowScanner) (*model.Response, error) {
	var resp model.Response
	var vec pgvector.Vector
	if err := s.Scan(&resp.ID, &resp.BatchID, &resp.Question, &resp.Text, &vec, &resp.ProcessedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	resp.Embedding = vec.Slice()
	return &resp, nil
}
