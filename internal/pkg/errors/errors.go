package errors

import (
	"errors"
	"fmt"

	"github.com/xxxsen/mnote/internal/pkg/errcode"
)

// Sentinel errors for the taxonomy described in the external interfaces
// and error handling sections. Use errors.Is against these, not string
// matching, since providers/repos wrap them with %w.
var (
	ErrEmbeddingFailed      = errors.New("embedding_failed")
	ErrGenerationFailed     = errors.New("generation_failed")
	ErrExtractorParseFailed = errors.New("extractor_parse_failed")
	ErrIntegrityConflict    = errors.New("integrity_conflict")
	ErrStoreUnavailable     = errors.New("store_unavailable")
	ErrCancelled            = errors.New("cancelled")
	ErrConfigurationInvalid = errors.New("configuration_invalid")
	ErrInputInvalid         = errors.New("input_invalid")

	// ErrNotFound is a repo-layer lookup miss, outside the taxonomy above.
	ErrNotFound = errors.New("not found")
)

func IsIntegrityConflict(err error) bool {
	return errors.Is(err, ErrIntegrityConflict)
}

func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// Code maps a taxonomy sentinel to its errcode for API/log surfaces.
// Falls back to ErrUnknown for errors outside the taxonomy.
func Code(err error) int {
	switch {
	case errors.Is(err, ErrEmbeddingFailed):
		return errcode.ErrEmbeddingFailed
	case errors.Is(err, ErrGenerationFailed):
		return errcode.ErrGenerationFailed
	case errors.Is(err, ErrExtractorParseFailed):
		return errcode.ErrExtractorParseFailed
	case errors.Is(err, ErrIntegrityConflict):
		return errcode.ErrIntegrityConflict
	case errors.Is(err, ErrStoreUnavailable):
		return errcode.ErrStoreUnavailable
	case errors.Is(err, ErrCancelled):
		return errcode.ErrCancelled
	case errors.Is(err, ErrConfigurationInvalid):
		return errcode.ErrConfigurationInvalid
	case errors.Is(err, ErrInputInvalid):
		return errcode.ErrInputInvalid
	default:
		return errcode.ErrUnknown
	}
}

// Wrap tags err with one of the taxonomy sentinels while preserving the
// original message and chain for errors.Is/errors.Unwrap.
func Wrap(sentinel error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
