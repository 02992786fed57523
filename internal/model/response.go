package model

import "time"

// Response is a single free-text survey answer, immutable once persisted.
type Response struct {
	ID          int64     `json:"id"`
	BatchID     int64     `json:"batch_id"`
	Question    string    `json:"question"`
	Text        string    `json:"response_text"`
	Embedding   []float32 `json:"embedding"`
	ProcessedAt time.Time `json:"processed_at"`
}
