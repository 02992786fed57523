package model

import "time"

// BatchMetadata records one processed batch's counters and timing.
type BatchMetadata struct {
	BatchID               int64     `json:"batch_id"`
	Question              string    `json:"question"`
	TotalResponses        int       `json:"total_responses"`
	NewThemesCount        int       `json:"new_themes_count"`
	UpdatedThemesCount    int       `json:"updated_themes_count"`
	DeletedThemesCount    int       `json:"deleted_themes_count"`
	ProcessingTimeSeconds float64   `json:"processing_time_seconds"`
	ProcessedAt           time.Time `json:"processed_at"`
}
