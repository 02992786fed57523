package evolver

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mnote/internal/config"
	"github.com/xxxsen/mnote/internal/model"
	"github.com/xxxsen/mnote/internal/store"
	"github.com/xxxsen/mnote/test/testutil"
)

func thresholds() config.ThresholdsConfig {
	return config.ThresholdsConfig{
		Match:                0.75,
		Update:               0.50,
		Merge:                0.85,
		SplitVariance:        0.40,
		DriftUpdate:          0.20,
		MinContribution:      0.05,
		MinResponsesPerTheme: 2,
	}
}

// putTheme is a test helper that persists a theme and returns it with its
// assigned id, so MatchToExisting's find_similar_themes call has something
// real to query in the tests below.
func putTheme(t *testing.T, tx *store.Tx, name string, embedding []float32, status model.ThemeStatus) *model.Theme {
	t.Helper()
	th := &model.Theme{Name: name, Embedding: embedding, Status: status}
	id, err := tx.PutTheme(context.Background(), th)
	require.NoError(t, err)
	th.ID = id
	return th
}

func TestMatchToExistingStrongMatchAndNearBand(t *testing.T) {
	conn, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	st := store.New(conn, config.VectorConfig{})
	ev := New(nil, nil, thresholds(), 1, 20)

	responses := []model.Response{
		{ID: 100, Embedding: []float32{1, 0, 0}},     // identical to theme 1: strong match
		{ID: 101, Embedding: []float32{0.6, 0.6, 0}}, // between theme 1 and 2, below tau_match
		{ID: 102, Embedding: []float32{0, 0, 1}},     // similar to nothing above tau_update
	}

	var result *MatchResult
	var retiredID int64
	err := st.WithTx(context.Background(), func(tx *store.Tx) error {
		putTheme(t, tx, "theme 1", []float32{1, 0, 0}, model.ThemeStatusActive)
		putTheme(t, tx, "theme 2", []float32{0, 1, 0}, model.ThemeStatusActive)
		retiredID = putTheme(t, tx, "theme 3", []float32{1, 0, 0}, model.ThemeStatusRetired).ID

		var matchErr error
		result, matchErr = ev.MatchToExisting(context.Background(), tx, responses)
		return matchErr
	})
	require.NoError(t, err)

	require.Len(t, result.Assignments[100], 1)
	require.InDelta(t, 1.0, result.Assignments[100][0].Confidence, 1e-9)

	require.Empty(t, result.Assignments[101], "0.6/0.6/0 is below tau_match against either axis theme")
	found := false
	for _, ids := range result.NearPool {
		for _, id := range ids {
			if id == 101 {
				found = true
			}
		}
	}
	require.True(t, found, "a below-match, above-update similarity belongs in the near pool")

	require.Empty(t, result.Assignments[102])
	require.NotContains(t, result.NearPool, retiredID, "a retired theme must never receive matches")
}

func TestMatchToExistingCapsAtThreeCandidates(t *testing.T) {
	conn, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	st := store.New(conn, config.VectorConfig{})
	ev := New(nil, nil, thresholds(), 1, 20)

	responses := []model.Response{{ID: 1, Embedding: []float32{1, 0, 0}}}

	var result *MatchResult
	err := st.WithTx(context.Background(), func(tx *store.Tx) error {
		for i := 0; i < 5; i++ {
			putTheme(t, tx, "theme", []float32{1, 0, 0}, model.ThemeStatusActive)
		}
		var matchErr error
		result, matchErr = ev.MatchToExisting(context.Background(), tx, responses)
		return matchErr
	})
	require.NoError(t, err)
	require.LessOrEqual(t, len(result.Assignments[1]), 3)
}

func TestWeightedAverageIsNormalizedAndWeighted(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	out := weightedAverage(a, 3, b, 1)

	norm := math.Sqrt(float64(out[0]*out[0] + out[1]*out[1]))
	require.InDelta(t, 1.0, norm, 1e-6)
	require.Greater(t, out[0], out[1], "heavier weight on a should pull the average toward a's axis")
}

func TestWeightedAverageDefaultsWeightsWhenBothZero(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	out := weightedAverage(a, 0, b, 0)
	require.InDelta(t, out[0], out[1], 1e-6, "equal default weights should land on the diagonal")
}

func TestNormalizeVectorHandlesZeroVector(t *testing.T) {
	zero := []float32{0, 0, 0}
	require.Equal(t, zero, normalizeVector(zero))
}

func TestClusterVarianceLowForTightCluster(t *testing.T) {
	centroid := []float32{1, 0, 0}
	tight := [][]float32{{1, 0, 0}, {0.99, 0.01, 0}, {0.98, 0.02, 0}}
	loose := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

	tightVar := clusterVariance(centroid, tight)
	looseVar := clusterVariance(centroid, loose)
	require.Less(t, tightVar, looseVar)
	require.Less(t, tightVar, 0.05)
}

func TestClusterVarianceEmptyMembers(t *testing.T) {
	require.Equal(t, 0.0, clusterVariance([]float32{1, 0}, nil))
}
