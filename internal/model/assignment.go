package model

// HighlightedKeyword is a single scored substring explaining an assignment.
type HighlightedKeyword struct {
	Phrase    string `json:"phrase"`
	Score     float64 `json:"score"`
	Positions []int   `json:"positions"`
}

// Assignment links a response to a theme with a confidence and the
// keywords that explain the match.
type Assignment struct {
	ID                  int64                 `json:"id"`
	ResponseID          int64                 `json:"response_id"`
	ThemeID             int64                 `json:"theme_id"`
	Confidence          float64               `json:"confidence"`
	HighlightedKeywords []HighlightedKeyword  `json:"highlighted_keywords"`
	AssignedAtBatch     int64                 `json:"assigned_at_batch"`
	LastUpdatedBatch    int64                 `json:"last_updated_batch"`
}
