package errcode

// Codes mirror the error taxonomy: embedding_failed, generation_failed,
// extractor_parse_failed, integrity_conflict, store_unavailable,
// cancelled, configuration_invalid, input_invalid.
const (
	ErrUnknown = 10000000 + iota
	ErrEmbeddingFailed
	ErrGenerationFailed
	ErrExtractorParseFailed
	ErrIntegrityConflict
	ErrStoreUnavailable
	ErrCancelled
	ErrConfigurationInvalid
	ErrInputInvalid

	// ErrRateLimited is an ambient HTTP-layer code, outside the domain
	// taxonomy above.
	ErrRateLimited
)
