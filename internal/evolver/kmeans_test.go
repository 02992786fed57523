package evolver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKmeans2EmptyAndSingleton(t *testing.T) {
	assignments, centroids := kmeans2(nil)
	require.Empty(t, assignments)
	require.Nil(t, centroids)

	one := [][]float32{{1, 0, 0}}
	assignments, centroids = kmeans2(one)
	require.Equal(t, []int{0}, assignments)
	require.Len(t, centroids, 2)
}

func TestKmeans2SeparatesTwoObviousClusters(t *testing.T) {
	// Two tight clusters far apart on the unit sphere.
	clusterA := [][]float32{
		{1, 0, 0},
		{0.98, 0.02, 0.05},
		{0.97, -0.03, 0.02},
	}
	clusterB := [][]float32{
		{0, 1, 0},
		{0.02, 0.98, 0.03},
		{-0.03, 0.97, 0.02},
	}
	vectors := append(append([][]float32{}, clusterA...), clusterB...)

	assignments, centroids := kmeans2(vectors)
	require.Len(t, assignments, len(vectors))
	require.Len(t, centroids, 2)

	// The first three inputs must land in one cluster and the last
	// three in the other, regardless of which cluster index each half
	// is assigned.
	first := assignments[0]
	for i := 0; i < len(clusterA); i++ {
		require.Equal(t, first, assignments[i], "cluster A members must share a label")
	}
	second := assignments[len(clusterA)]
	require.NotEqual(t, first, second, "the two clusters must receive different labels")
	for i := len(clusterA); i < len(vectors); i++ {
		require.Equal(t, second, assignments[i], "cluster B members must share a label")
	}
}

func TestFarthestPairPicksMostDissimilar(t *testing.T) {
	vectors := [][]float32{
		{1, 0, 0},
		{0.99, 0.01, 0},
		{-1, 0, 0},
	}
	i, j := farthestPair(vectors)
	require.ElementsMatch(t, []int{i, j}, []int{0, 2})
}

func TestRecomputeFallsBackWhenClusterEmpty(t *testing.T) {
	vectors := [][]float32{{1, 0}, {0.9, 0.1}}
	assignments := []int{0, 0}
	centroids := recompute(vectors, assignments)
	require.Len(t, centroids, 2)
	require.NotNil(t, centroids[1], "an empty cluster still needs a usable centroid")
}
