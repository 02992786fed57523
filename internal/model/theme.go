package model

import "time"

type ThemeStatus string

const (
	ThemeStatusActive  ThemeStatus = "active"
	ThemeStatusMerged  ThemeStatus = "merged"
	ThemeStatusSplit   ThemeStatus = "split"
	ThemeStatusRetired ThemeStatus = "retired"
)

// ThemeMetadata is the tagged-variant payload stored in extracted_themes.metadata.
// Only one of the *-specific fields is populated, matching the action that
// produced or last touched the theme.
type ThemeMetadata struct {
	ExtractionModel string  `json:"extraction_model,omitempty"`
	MergedFrom      []int64 `json:"merged_from,omitempty"`
	SplitFrom       int64   `json:"split_from,omitempty"`
	ClusterIndex    int     `json:"cluster_index,omitempty"`
	RetireReason    string  `json:"retire_reason,omitempty"`
}

// Theme is a named, evolving cluster of survey responses under one question.
type Theme struct {
	ID               int64         `json:"id"`
	Name             string        `json:"name"`
	Description      string        `json:"description"`
	Embedding        []float32     `json:"embedding"`
	Status           ThemeStatus   `json:"status"`
	CreatedAtBatch   int64         `json:"created_at_batch"`
	LastUpdatedBatch int64         `json:"last_updated_batch"`
	ParentThemeID    *int64        `json:"parent_theme_id,omitempty"`
	ResponseCount    int           `json:"response_count"`
	Metadata         ThemeMetadata `json:"metadata"`
	CreatedAt        time.Time     `json:"created_at"`
}

func (t *Theme) IsActive() bool {
	return t != nil && t.Status == ThemeStatusActive
}
