package evolver

import "github.com/xxxsen/mnote/internal/embed"

// kmeans2 splits vectors into exactly two clusters. No pack repo
// implements a clustering algorithm (only cluster storage), so this is
// hand-rolled stdlib arithmetic: deterministic farthest-pair seeding
// followed by fixed-iteration Lloyd's algorithm over cosine distance.
func kmeans2(vectors [][]float32) (assignments []int, centroids [][]float32) {
	n := len(vectors)
	assignments = make([]int, n)
	if n == 0 {
		return assignments, nil
	}
	if n == 1 {
		return assignments, [][]float32{vectors[0], vectors[0]}
	}

	seedA, seedB := farthestPair(vectors)
	centroids = [][]float32{clone(vectors[seedA]), clone(vectors[seedB])}

	const maxIterations = 25
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, v := range vectors {
			d0 := 1 - embed.CosineSimilarity(v, centroids[0])
			d1 := 1 - embed.CosineSimilarity(v, centroids[1])
			cluster := 0
			if d1 < d0 {
				cluster = 1
			}
			if assignments[i] != cluster {
				assignments[i] = cluster
				changed = true
			}
		}
		newCentroids := recompute(vectors, assignments)
		centroids = newCentroids
		if !changed && iter > 0 {
			break
		}
	}
	return assignments, centroids
}

// farthestPair picks the two most dissimilar vectors as seeds, a
// deterministic alternative to random init that keeps the split
// reproducible for a given input order.
func farthestPair(vectors [][]float32) (int, int) {
	bestI, bestJ := 0, 1
	worst := embed.CosineSimilarity(vectors[0], vectors[1])
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sim := embed.CosineSimilarity(vectors[i], vectors[j])
			if sim < worst {
				worst = sim
				bestI, bestJ = i, j
			}
		}
	}
	return bestI, bestJ
}

func recompute(vectors [][]float32, assignments []int) [][]float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sums := [2][]float32{make([]float32, dim), make([]float32, dim)}
	counts := [2]int{}
	for i, v := range vectors {
		c := assignments[i]
		counts[c]++
		for d := 0; d < dim; d++ {
			sums[c][d] += v[d]
		}
	}
	out := make([][]float32, 2)
	for c := 0; c < 2; c++ {
		if counts[c] == 0 {
			out[c] = clone(vectors[0])
			continue
		}
		mean := make([]float32, dim)
		for d := 0; d < dim; d++ {
			mean[d] = sums[c][d] / float32(counts[c])
		}
		out[c] = normalizeVector(mean)
	}
	return out
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
