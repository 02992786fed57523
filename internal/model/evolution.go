package model

import "time"

type EvolutionAction string

const (
	EvolutionCreated    EvolutionAction = "created"
	EvolutionUpdated    EvolutionAction = "updated"
	EvolutionMerged     EvolutionAction = "merged"
	EvolutionSplit      EvolutionAction = "split"
	EvolutionRetired    EvolutionAction = "retired"
	EvolutionReassigned EvolutionAction = "reassigned"
)

// EvolutionDetails is the tagged-variant payload stored in
// theme_evolution_log.details. Fields are populated according to Action.
type EvolutionDetails struct {
	OldDescription string  `json:"old_description,omitempty"`
	NewDescription string  `json:"new_description,omitempty"`
	DriftScore     float64 `json:"drift_score,omitempty"`
	EmbeddingShift float64 `json:"embedding_shift,omitempty"`
	Similarity     float64 `json:"similarity,omitempty"`
	ChildThemeIDs  []int64 `json:"child_theme_ids,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// EvolutionEntry is an append-only record of a theme state transition.
type EvolutionEntry struct {
	ID                     int64            `json:"id"`
	BatchID                int64            `json:"batch_id"`
	Action                 EvolutionAction  `json:"action"`
	ThemeID                int64            `json:"theme_id"`
	RelatedThemeID         *int64           `json:"related_theme_id,omitempty"`
	Details                EvolutionDetails `json:"details"`
	AffectedResponseCount  int              `json:"affected_response_count"`
	CreatedAt              time.Time        `json:"created_at"`
}
