package repo_test

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mnote/internal/embed"
	"github.com/xxxsen/mnote/internal/model"
	"github.com/xxxsen/mnote/internal/repo"
	"github.com/xxxsen/mnote/test/testutil"
)

// TestFindSimilarThemesMatchesBruteForceReference cross-checks the
// pgvector <=>-backed query against an independently computed cosine
// scan, so a bug in the SQL (wrong operator, wrong sort direction, a
// status filter that leaks retired rows) shows up as a mismatch rather
// than passing because both sides share the same bug.
func TestFindSimilarThemesMatchesBruteForceReference(t *testing.T) {
	conn, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	themeRepo := repo.NewThemeRepo(conn, 0, 0)

	vectors := map[string][]float32{
		"a":       {1, 0, 0, 0},
		"b":       {0.9, 0.1, 0, 0},
		"c":       {0, 1, 0, 0},
		"d":       {0, 0, 1, 0},
		"e":       {-1, 0, 0, 0},
		"retired": {1, 0, 0, 0},
	}
	ids := make(map[string]int64, len(vectors))
	for name, vec := range vectors {
		status := model.ThemeStatusActive
		if name == "retired" {
			status = model.ThemeStatusRetired
		}
		id, err := themeRepo.Put(context.Background(), &model.Theme{
			Name:      name,
			Embedding: vec,
			Status:    status,
		})
		require.NoError(t, err)
		ids[name] = id
	}

	query := []float32{1, 0, 0, 0}
	const minCos = 0.5

	got, err := themeRepo.FindSimilar(context.Background(), query, minCos, 10, model.ThemeStatusActive)
	require.NoError(t, err)

	type scored struct {
		id  int64
		sim float64
	}
	var want []scored
	for name, vec := range vectors {
		if name == "retired" {
			continue
		}
		if sim := embed.CosineSimilarity(query, vec); sim >= minCos {
			want = append(want, scored{ids[name], sim})
		}
	}
	sort.Slice(want, func(i, j int) bool { return want[i].sim > want[j].sim })

	require.Len(t, got, len(want))
	for i, w := range want {
		require.Equal(t, w.id, got[i].ID, "result %d should match the brute-force ordering", i)
	}
}

// TestFindSimilarThemesCapsAtK confirms the LIMIT actually bounds the
// result set rather than relying on the caller to truncate it.
func TestFindSimilarThemesCapsAtK(t *testing.T) {
	conn, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	themeRepo := repo.NewThemeRepo(conn, 0, 0)
	for i := 0; i < 5; i++ {
		_, err := themeRepo.Put(context.Background(), &model.Theme{
			Name:      "theme",
			Embedding: []float32{1, 0, 0, 0},
			Status:    model.ThemeStatusActive,
		})
		require.NoError(t, err)
	}

	got, err := themeRepo.FindSimilar(context.Background(), []float32{1, 0, 0, 0}, 0, 3, model.ThemeStatusActive)
	require.NoError(t, err)
	require.Len(t, got, 3)
}
