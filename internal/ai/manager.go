package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/mnote/internal/pkg/errors"
)

type ManagerConfig struct {
	Timeout       int
	MaxInputChars int
}

// Manager fronts the two remote AI roles the Evolver needs: a generator
// for theme extraction/description-refresh prompts, and an embedder for
// turning response and theme text into vectors. It owns prompt framing
// and response parsing so C3/C5 never talk to IGenerator/IEmbedder raw.
type Manager struct {
	generator IGenerator
	embedder  IEmbedder
	cfg       ManagerConfig
}

func NewManager(generator IGenerator, embedder IEmbedder, cfg ManagerConfig) *Manager {
	return &Manager{generator: generator, embedder: embedder, cfg: cfg}
}

func (m *Manager) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	if m.embedder == nil {
		return nil, fmt.Errorf("embedder not configured")
	}
	return m.embedder.Embed(ctx, text, taskType)
}

// ExtractThemes prompts the generator to propose themes for a batch of
// responses and parses the strict JSON contract described in
// the external interfaces section: an array of {name, description}.
func (m *Manager) ExtractThemes(ctx context.Context, question string, responses []string, charLimit int) ([]ExtractedTheme, error) {
	if m.generator == nil {
		return nil, fmt.Errorf("generator not configured")
	}
	prompt := buildExtractionPrompt(question, responses, charLimit)
	out, err := m.generateText(ctx, m.generator, prompt)
	if err != nil {
		return nil, err
	}
	themes, err := parseExtractedThemes(out)
	if err != nil {
		// one retry with a terser reminder of the contract, per the
		// extractor_parse_failed recovery rule: retry once, then fall
		// back to an empty theme list rather than failing the batch.
		retryPrompt := prompt + "\n\nReturn ONLY a JSON array, no commentary, no markdown fences."
		out2, err2 := m.generateText(ctx, m.generator, retryPrompt)
		if err2 != nil {
			return nil, err
		}
		themes, err = parseExtractedThemes(out2)
		if err != nil {
			logutil.GetLogger(ctx).Warn("extractor_parse_failed",
				zap.Error(appErr.Wrap(appErr.ErrExtractorParseFailed, err)),
				zap.Int("responses", len(responses)))
			return []ExtractedTheme{}, nil
		}
	}
	return themes, nil
}

// RefreshDescription asks the generator for an updated theme description
// given a sample of the responses now assigned to it.
func (m *Manager) RefreshDescription(ctx context.Context, name string, currentDescription string, sample []string, charLimit int) (string, error) {
	if m.generator == nil {
		return "", fmt.Errorf("generator not configured")
	}
	prompt := buildRefreshPrompt(name, currentDescription, sample, charLimit)
	return m.generateText(ctx, m.generator, prompt)
}

func (m *Manager) generateText(ctx context.Context, gen IGenerator, prompt string) (string, error) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.Timeout)*time.Second)
		defer cancel()
	}
	resp, err := gen.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp)
	if text == "" {
		return "", fmt.Errorf("empty ai response")
	}
	return text, nil
}

func (m *Manager) MaxInputChars() int {
	return m.cfg.MaxInputChars
}

func (m *Manager) EmbeddingModelName() string {
	if m.embedder == nil {
		return ""
	}
	return m.embedder.ModelName()
}

// ExtractedTheme is the raw shape the generator returns for a candidate
// theme before the Evolver turns it into a model.Theme.
type ExtractedTheme struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func buildExtractionPrompt(question string, responses []string, charLimit int) string {
	var b strings.Builder
	b.WriteString("You are analyzing free-text survey responses to identify recurring themes.\n")
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nResponses:\n")
	budget := charLimit
	if budget <= 0 {
		budget = 12000
	}
	used := b.Len()
	for i, r := range responses {
		line := fmt.Sprintf("%d. %s\n", i+1, r)
		if used+len(line) > budget {
			break
		}
		b.WriteString(line)
		used += len(line)
	}
	b.WriteString("\nIdentify distinct themes present across these responses. ")
	b.WriteString("Return ONLY a JSON array of 2-10 objects with \"name\" (2-5 words, at most 60 characters) and ")
	b.WriteString("\"description\" (one sentence) fields. No markdown fences, no commentary.")
	return b.String()
}

func buildRefreshPrompt(name string, currentDescription string, sample []string, charLimit int) string {
	var b strings.Builder
	b.WriteString("A survey theme's assigned responses have shifted. Rewrite its description ")
	b.WriteString("to reflect the current sample while keeping the same scope.\n\n")
	b.WriteString("Theme name: ")
	b.WriteString(name)
	b.WriteString("\nCurrent description: ")
	b.WriteString(currentDescription)
	b.WriteString("\n\nSample responses:\n")
	budget := charLimit
	if budget <= 0 {
		budget = 12000
	}
	used := b.Len()
	for i, r := range sample {
		line := fmt.Sprintf("%d. %s\n", i+1, r)
		if used+len(line) > budget {
			break
		}
		b.WriteString(line)
		used += len(line)
	}
	b.WriteString("\nOutput ONLY the new one-sentence description text.")
	return b.String()
}

func parseExtractedThemes(output string) ([]ExtractedTheme, error) {
	clean := strings.TrimSpace(output)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)
	start := strings.Index(clean, "[")
	end := strings.LastIndex(clean, "]")
	if start >= 0 && end > start {
		clean = clean[start : end+1]
	}

	var themes []ExtractedTheme
	if err := json.Unmarshal([]byte(clean), &themes); err != nil {
		return nil, fmt.Errorf("parse extracted themes: %w", err)
	}
	out := make([]ExtractedTheme, 0, len(themes))
	for _, t := range themes {
		name := strings.TrimSpace(t.Name)
		desc := strings.TrimSpace(t.Description)
		if name == "" || desc == "" {
			continue
		}
		out = append(out, ExtractedTheme{Name: name, Description: desc})
	}
	return out, nil
}
