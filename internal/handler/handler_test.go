package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mnote/internal/ai"
	"github.com/xxxsen/mnote/internal/config"
	"github.com/xxxsen/mnote/internal/embed"
	"github.com/xxxsen/mnote/internal/evolver"
	"github.com/xxxsen/mnote/internal/extractor"
	"github.com/xxxsen/mnote/internal/handler"
	"github.com/xxxsen/mnote/internal/highlighter"
	"github.com/xxxsen/mnote/internal/processor"
	"github.com/xxxsen/mnote/internal/store"
	"github.com/xxxsen/mnote/test/testutil"
)

const handlerTestDim = 12

type stubBackend struct{}

func (stubBackend) Generate(_ context.Context, _ string) (string, error) {
	themes := []ai.ExtractedTheme{{Name: "onboarding friction", Description: "responses about a confusing signup flow"}}
	raw, _ := json.Marshal(themes)
	return string(raw), nil
}

func (stubBackend) Embed(_ context.Context, text string, _ string) ([]float32, error) {
	out := make([]float32, handlerTestDim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := uint32(2166136261)
		for _, c := range word {
			h ^= uint32(c)
			h *= 16777619
		}
		for i := range out {
			h ^= h << 13
			h ^= h >> 17
			h ^= h << 5
			out[i] += float32(h%1000)/1000 - 0.5
		}
	}
	return out, nil
}

func (stubBackend) ModelName() string { return "stub" }

func setupRouter(t *testing.T) (http.Handler, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, cleanup := testutil.OpenTestDB(t)
	st := store.New(conn, config.VectorConfig{})

	backend := stubBackend{}
	embedder := embed.New(backend, handlerTestDim, 4)
	manager := ai.NewManager(backend, backend, ai.ManagerConfig{})
	ext := extractor.New(manager, 12000, 20)
	thresholds := config.ThresholdsConfig{
		Match: 0.75, Update: 0.50, Merge: 0.85,
		SplitVariance: 0.40, DriftUpdate: 0.20,
		MinContribution: 0.0, MinResponsesPerTheme: 2,
	}
	hl := highlighter.New(embedder, highlighter.NGramConfig{Unigrams: true, MinWordLength: 3}, 10, 0.0)
	ev := evolver.New(ext, embedder, thresholds, 1, 20)
	proc := processor.New(st, embedder, ext, hl, ev, config.ProcessingConfig{}, thresholds)

	engine := gin.New()
	group := engine.Group("/api/v1")
	handler.RegisterRoutes(group, handler.RouterDeps{
		Ingest: handler.NewIngestHandler(proc),
		Stats:  handler.NewStatsHandler(st),
	})

	return engine, cleanup
}

func TestIngestAndStatsEndpoints(t *testing.T) {
	router, cleanup := setupRouter(t)
	defer cleanup()

	body, _ := json.Marshal(map[string]interface{}{
		"batch_id": 2001,
		"question": "What could we improve?",
		"responses": []string{
			"the onboarding flow is confusing",
			"signup asks too many questions",
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var ingestResult struct {
		Data struct {
			TotalResponses int `json:"total_responses"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &ingestResult))
	require.Equal(t, 2, ingestResult.Data.TotalResponses)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestIngestRejectsEmptyResponses(t *testing.T) {
	router, cleanup := setupRouter(t)
	defer cleanup()

	body, _ := json.Marshal(map[string]interface{}{
		"batch_id":  2002,
		"question":  "Anything else?",
		"responses": []string{},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var errResult struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResult))
	require.NotZero(t, errResult.Code)
}
