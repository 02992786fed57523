package model

import "time"

// EmbeddingCacheEntry is a content-addressed, immutable cached embedding.
type EmbeddingCacheEntry struct {
	ID        int64     `json:"id"`
	TextHash  string    `json:"text_hash"`
	Embedding []float32 `json:"embedding"`
	ModelName string    `json:"model_name"`
	CreatedAt time.Time `json:"created_at"`
}
