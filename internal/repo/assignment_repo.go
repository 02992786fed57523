package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/mnote/internal/model"
	"github.com/xxxsen/mnote/internal/pkg/dbutil"
	appErr "github.com/xxxsen/mnote/internal/pkg/errors"
)

// AssignmentRepo persists theme_assignments. Put resolves the
// integrity_conflict error case itself: a (response_id, theme_id) pair
// that already exists is treated as an update, not a failure.
type AssignmentRepo struct {
	db dbExecer
}

func NewAssignmentRepo(db dbExecer) *AssignmentRepo {
	return &AssignmentRepo{db: db}
}

func (r *AssignmentRepo) Put(ctx context.Context, a *model.Assignment) error {
	keywords, err := json.Marshal(a.HighlightedKeywords)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO theme_assignments
			(response_id, theme_id, confidence, highlighted_keywords, assigned_at_batch, last_updated_batch)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (response_id, theme_id) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			highlighted_keywords = EXCLUDED.highlighted_keywords,
			last_updated_batch = EXCLUDED.last_updated_batch
	`
	_, err = r.db.ExecContext(ctx, query,
		a.ResponseID, a.ThemeID, a.Confidence, keywords, a.AssignedAtBatch, a.LastUpdatedBatch)
	return err
}

// RewriteAssignments moves every assignment pointing at fromTheme to
// toTheme, used by merge (loser -> survivor); split instead writes one
// assignment per response to its nearest child and then calls
// DeleteByTheme. A response already assigned to toTheme keeps the higher
// of the two confidences and its existing keywords.
func (r *AssignmentRepo) RewriteAssignments(ctx context.Context, fromTheme, toTheme, batchID int64) (int, error) {
	const selectQuery = `
		SELECT response_id, confidence, highlighted_keywords
		FROM theme_assignments
		WHERE theme_id = $1
	`
	rows, err := r.db.QueryContext(ctx, selectQuery, fromTheme)
	if err != nil {
		return 0, err
	}
	type row struct {
		responseID int64
		confidence float64
		keywords   []byte
	}
	var moved []row
	for rows.Next() {
		var rr row
		if err := rows.Scan(&rr.responseID, &rr.confidence, &rr.keywords); err != nil {
			rows.Close()
			return 0, err
		}
		moved = append(moved, rr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, rr := range moved {
		const upsert = `
			INSERT INTO theme_assignments
				(response_id, theme_id, confidence, highlighted_keywords, assigned_at_batch, last_updated_batch)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (response_id, theme_id) DO UPDATE SET
				confidence = GREATEST(theme_assignments.confidence, EXCLUDED.confidence),
				last_updated_batch = EXCLUDED.last_updated_batch
		`
		if _, err := r.db.ExecContext(ctx, upsert, rr.responseID, toTheme, rr.confidence, rr.keywords, batchID); err != nil {
			return 0, err
		}
	}
	const del = `DELETE FROM theme_assignments WHERE theme_id = $1`
	if _, err := r.db.ExecContext(ctx, del, fromTheme); err != nil {
		return 0, err
	}
	return len(moved), nil
}

// DeleteByTheme removes every assignment pointing at themeID, used by
// split once each response has a fresh assignment to the chosen child.
func (r *AssignmentRepo) DeleteByTheme(ctx context.Context, themeID int64) error {
	const query = `DELETE FROM theme_assignments WHERE theme_id = $1`
	_, err := r.db.ExecContext(ctx, query, themeID)
	return err
}

func (r *AssignmentRepo) ListByTheme(ctx context.Context, themeID int64) ([]model.Assignment, error) {
	where := map[string]interface{}{"theme_id": themeID}
	sqlStr, args, err := builder.BuildSelect("theme_assignments", where, assignmentColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Assignment
	for rows.Next() {
		a, err := scanAssignmentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *AssignmentRepo) ListByResponse(ctx context.Context, responseID int64) ([]model.Assignment, error) {
	where := map[string]interface{}{"response_id": responseID}
	sqlStr, args, err := builder.BuildSelect("theme_assignments", where, assignmentColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Assignment
	for rows.Next() {
		a, err := scanAssignmentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

var assignmentColumns = []string{
	"id", "response_id", "theme_id", "confidence", "highlighted_keywords",
	"assigned_at_batch", "last_updated_batch",
}

func scanAssignmentRows(rows *sql.Rows) (*model.Assignment, error) {
	var a model.Assignment
	var keywords []byte
	if err := rows.Scan(&a.ID, &a.ResponseID, &a.ThemeID, &a.Confidence, &keywords,
		&a.AssignedAtBatch, &a.LastUpdatedBatch); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &a.HighlightedKeywords); err != nil {
			return nil, err
		}
	}
	return &a, nil
}
