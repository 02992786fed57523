package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// ollamaConfig configures the default registered provider, matching the
// fixed external contract: POST {base_url}/generate and
// POST {base_url}/embeddings, no auth header.
type ollamaConfig struct {
	BaseURL string `json:"base_url"`
}

type ollamaProvider struct {
	baseURL string
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *ollamaProvider) Name() string {
	return "ollama"
}

func (p *ollamaProvider) Generate(ctx context.Context, model string, prompt string) (string, error) {
	reqBody := ollamaGenerateRequest{Model: model, Prompt: prompt, Stream: false}
	var out ollamaGenerateResponse
	if err := p.post(ctx, "/generate", reqBody, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Response), nil
}

func (p *ollamaProvider) Embed(ctx context.Context, model string, text string, taskType string) ([]float32, error) {
	reqBody := ollamaEmbedRequest{Model: model, Prompt: text}
	var out ollamaEmbedResponse
	if err := p.post(ctx, "/embeddings", reqBody, &out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

func (p *ollamaProvider) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(p.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama request to %s failed: %s: %s", path, resp.Status, strings.TrimSpace(string(respBody)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func createOllamaFactory(args interface{}) (IProvider, error) {
	cfg := &ollamaConfig{}
	// args is optional for ollama: an unset provider_args block still
	// resolves to the local default endpoint.
	if args != nil {
		if err := decodeConfig(args, cfg); err != nil {
			return nil, err
		}
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &ollamaProvider{baseURL: baseURL}, nil
}

func init() {
	Register("ollama", createOllamaFactory)
}
