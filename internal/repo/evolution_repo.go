package repo

import (
	"context"
	"encoding/json"

	"github.com/xxxsen/mnote/internal/model"
)

// EvolutionRepo appends to theme_evolution_log, an audit trail that is
// never updated or deleted once written.
type EvolutionRepo struct {
	db dbExecer
}

func NewEvolutionRepo(db dbExecer) *EvolutionRepo {
	return &EvolutionRepo{db: db}
}

func (r *EvolutionRepo) Append(ctx context.Context, e *model.EvolutionEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO theme_evolution_log
			(batch_id, action, theme_id, related_theme_id, details, affected_response_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.ExecContext(ctx, query,
		e.BatchID, string(e.Action), e.ThemeID, e.RelatedThemeID, details, e.AffectedResponseCount)
	return err
}

func (r *EvolutionRepo) ListByBatch(ctx context.Context, batchID int64) ([]model.EvolutionEntry, error) {
	const query = `
		SELECT id, batch_id, action, theme_id, related_theme_id, details, affected_response_count, created_at
		FROM theme_evolution_log
		WHERE batch_id = $1
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EvolutionEntry
	for rows.Next() {
		var e model.EvolutionEntry
		var action string
		var details []byte
		if err := rows.Scan(&e.ID, &e.BatchID, &action, &e.ThemeID, &e.RelatedThemeID,
			&details, &e.AffectedResponseCount, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = model.EvolutionAction(action)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
