package extractor

import (
	"context"
	"strings"

	"github.com/xxxsen/mnote/internal/ai"
	"github.com/xxxsen/mnote/internal/model"
)

const maxNameChars = 60

// Extractor is C3: LLM-driven theme proposal and description refresh.
// It wraps ai.Manager for prompt framing/parsing and owns the
// character-budget sub-sampling and post-parse validation the manager
// doesn't know about.
type Extractor struct {
	manager           *ai.Manager
	promptCharLimit   int
	refreshSampleSize int
}

func New(manager *ai.Manager, promptCharLimit, refreshSampleSize int) *Extractor {
	if promptCharLimit <= 0 {
		promptCharLimit = 12000
	}
	if refreshSampleSize <= 0 {
		refreshSampleSize = 20
	}
	return &Extractor{
		manager:           manager,
		promptCharLimit:   promptCharLimit,
		refreshSampleSize: refreshSampleSize,
	}
}

// CandidateTheme is a proposed theme before it has an embedding or an id.
type CandidateTheme struct {
	Name        string
	Description string
}

// Extract proposes candidate themes for a batch of responses under a
// shared question. It sub-samples deterministically (stride sampling)
// when the batch exceeds the prompt character budget, then validates
// and deduplicates the model's JSON output.
func (e *Extractor) Extract(ctx context.Context, question string, responses []string) ([]CandidateTheme, error) {
	sampled := strideSample(responses, e.promptCharLimit)
	raw, err := e.manager.ExtractThemes(ctx, question, sampled, e.promptCharLimit)
	if err != nil {
		return nil, err
	}
	return validateAndDedupe(raw), nil
}

// RefreshDescription asks for an updated description over a sample of a
// theme's currently assigned responses. Callers decide whether the
// resulting embedding shift clears drift_update before committing it;
// this method only produces the candidate text.
func (e *Extractor) RefreshDescription(ctx context.Context, theme *model.Theme, responseTexts []string) (string, error) {
	sample := responseTexts
	if len(sample) > e.refreshSampleSize {
		sample = sample[:e.refreshSampleSize]
	}
	return e.manager.RefreshDescription(ctx, theme.Name, theme.Description, sample, e.promptCharLimit)
}

// strideSample keeps every response if the batch fits within the
// character budget; otherwise it walks the slice with a stride computed
// from the overshoot ratio, always keeping order.
func strideSample(responses []string, charLimit int) []string {
	total := 0
	for _, r := range responses {
		total += len(r)
	}
	if total <= charLimit || len(responses) == 0 {
		return responses
	}
	stride := (total + charLimit - 1) / charLimit
	if stride < 1 {
		stride = 1
	}
	out := make([]string, 0, len(responses)/stride+1)
	for i := 0; i < len(responses); i += stride {
		out = append(out, responses[i])
	}
	if len(out) == 0 && len(responses) > 0 {
		out = append(out, responses[0])
	}
	return out
}

func validateAndDedupe(raw []ai.ExtractedTheme) []CandidateTheme {
	seen := make(map[string]struct{}, len(raw))
	out := make([]CandidateTheme, 0, len(raw))
	for _, t := range raw {
		name := strings.TrimSpace(t.Name)
		desc := strings.TrimSpace(t.Description)
		if name == "" || desc == "" {
			continue
		}
		if len([]rune(name)) > maxNameChars {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, CandidateTheme{Name: name, Description: desc})
	}
	return out
}
