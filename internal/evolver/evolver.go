// Package evolver implements C5: matching responses onto the living theme
// catalog and mutating that catalog (merge, split, description refresh,
// retirement) as new evidence accumulates.
package evolver

import (
	"context"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xxxsen/mnote/internal/config"
	"github.com/xxxsen/mnote/internal/embed"
	"github.com/xxxsen/mnote/internal/extractor"
	"github.com/xxxsen/mnote/internal/model"
	"github.com/xxxsen/mnote/internal/store"
)

// Evolver owns none of the persistent state itself; every method is
// handed the batch's *store.Tx so its writes commit or roll back with
// the rest of the pipeline, matching the "batch is one logical
// transaction" contract.
type Evolver struct {
	extractor         *extractor.Extractor
	embedder          *embed.Embedder
	thresholds        config.ThresholdsConfig
	llmConcurrency    int64
	refreshSampleSize int
}

// New wires RefreshDescriptions' per-theme Extractor calls behind an
// llmConcurrency-wide semaphore, so a large batch's fan-out of
// independent theme rewrites doesn't flood the generation backend
// beyond what processing.llm_concurrency allows. refreshSampleSize
// bounds how many similar responses mergeThemes pulls from the Store
// when it asks the Extractor for a merged description.
func New(ex *extractor.Extractor, embedder *embed.Embedder, thresholds config.ThresholdsConfig, llmConcurrency, refreshSampleSize int) *Evolver {
	if llmConcurrency < 1 {
		llmConcurrency = 1
	}
	if refreshSampleSize <= 0 {
		refreshSampleSize = 20
	}
	return &Evolver{
		extractor:         ex,
		embedder:          embedder,
		thresholds:        thresholds,
		llmConcurrency:    int64(llmConcurrency),
		refreshSampleSize: refreshSampleSize,
	}
}

// Match is one response-to-theme candidate above tau_update.
type Match struct {
	ThemeID    int64
	Confidence float64
}

// MatchResult is step (a)'s output: strong matches per response (>=
// tau_match, multi-label) and a "near" pool per theme (responses in
// [tau_update, tau_match) that feed refresh_descriptions).
type MatchResult struct {
	Assignments map[int64][]Match   // response id -> matched themes
	NearPool    map[int64][]int64   // theme id -> response ids in the near band
}

// MatchToExisting implements spec 4.5(a): up to 3 candidates per
// response via find_similar_themes(response.embedding, tau_update, 3)
// against the live active catalog, multi-label assignment at >=
// tau_match, near-band bookkeeping at [tau_update, tau_match). The
// similarity search itself runs in the Store, over the pgvector <=>
// operator/ivfflat index; this method only classifies what comes back.
func (e *Evolver) MatchToExisting(ctx context.Context, tx *store.Tx, responses []model.Response) (*MatchResult, error) {
	result := &MatchResult{
		Assignments: make(map[int64][]Match),
		NearPool:    make(map[int64][]int64),
	}
	for _, r := range responses {
		candidates, err := tx.FindSimilarThemes(ctx, r.Embedding, e.thresholds.Update, 3, model.ThemeStatusActive)
		if err != nil {
			return nil, err
		}
		for _, th := range candidates {
			sim := embed.CosineSimilarity(r.Embedding, th.Embedding)
			if sim >= e.thresholds.Match {
				result.Assignments[r.ID] = append(result.Assignments[r.ID], Match{ThemeID: th.ID, Confidence: sim})
			} else {
				result.NearPool[th.ID] = append(result.NearPool[th.ID], r.ID)
			}
		}
	}
	return result, nil
}

// CandidateResolution is the per-candidate outcome of dedupe_candidates:
// either it collapsed into an existing theme, or a brand new active
// theme was created for it.
type CandidateResolution struct {
	ThemeID   int64
	IsNew     bool
	Embedding []float32
}

// DedupeCandidates implements spec 4.5(b). Candidates whose embedding
// is >= tau_merge similar to some active theme are folded into that
// theme; the rest become new active themes persisted under batchID. The
// best-match lookup is find_similar_themes(vec, tau_merge, 1) against
// the live catalog, so a theme created earlier in this same call is
// visible to later candidates without threading a growing slice through
// the loop.
func (e *Evolver) DedupeCandidates(ctx context.Context, tx *store.Tx, batchID int64, candidates []extractor.CandidateTheme, embeddings [][]float32) ([]CandidateResolution, error) {
	out := make([]CandidateResolution, len(candidates))
	for i, cand := range candidates {
		vec := embeddings[i]
		best, err := tx.FindSimilarThemes(ctx, vec, e.thresholds.Merge, 1, model.ThemeStatusActive)
		if err != nil {
			return nil, err
		}
		if len(best) > 0 {
			out[i] = CandidateResolution{ThemeID: best[0].ID, IsNew: false, Embedding: vec}
			continue
		}
		theme := &model.Theme{
			Name:             cand.Name,
			Description:      cand.Description,
			Embedding:        vec,
			Status:           model.ThemeStatusActive,
			CreatedAtBatch:   batchID,
			LastUpdatedBatch: batchID,
			ResponseCount:    0,
		}
		id, err := tx.PutTheme(ctx, theme)
		if err != nil {
			return nil, err
		}
		theme.ID = id
		if err := tx.AppendEvolution(ctx, &model.EvolutionEntry{
			BatchID: batchID,
			Action:  model.EvolutionCreated,
			ThemeID: id,
		}); err != nil {
			return nil, err
		}
		out[i] = CandidateResolution{ThemeID: id, IsNew: true, Embedding: vec}
	}
	return out, nil
}

// SyncResponseCount recomputes and persists response_count for a theme
// from its live assignments, keeping invariant I4 after any batch of
// assignment writes.
func (e *Evolver) SyncResponseCount(ctx context.Context, tx *store.Tx, batchID int64, themeID int64) error {
	return e.syncCount(ctx, tx, batchID, themeID)
}

// DetectMerges implements spec 4.5(c): pairwise O(T^2) comparison of
// active theme embeddings; any pair >= tau_merge is merged into the
// theme with the larger response_count (ties broken by lower id). It
// returns the number of merge pairs it committed, one retirement each,
// for the caller's deleted_themes_count.
func (e *Evolver) DetectMerges(ctx context.Context, tx *store.Tx, batchID int64) (int, error) {
	touched := make(map[int64]bool)
	merges := 0
	for {
		themes, err := tx.ListActiveThemes(ctx)
		if err != nil {
			return merges, err
		}
		survivorIdx, loserIdx := -1, -1
		bestSim := e.thresholds.Merge
		for i := 0; i < len(themes); i++ {
			if touched[themes[i].ID] {
				continue
			}
			for j := i + 1; j < len(themes); j++ {
				if touched[themes[j].ID] {
					continue
				}
				sim := embed.CosineSimilarity(themes[i].Embedding, themes[j].Embedding)
				if sim >= bestSim {
					bestSim = sim
					survivorIdx, loserIdx = i, j
				}
			}
		}
		if survivorIdx < 0 {
			return merges, nil
		}
		a, b := themes[survivorIdx], themes[loserIdx]
		survivor, loser := &a, &b
		if loser.ResponseCount > survivor.ResponseCount ||
			(loser.ResponseCount == survivor.ResponseCount && loser.ID < survivor.ID) {
			survivor, loser = loser, survivor
		}
		if err := e.mergeThemes(ctx, tx, batchID, survivor, loser); err != nil {
			return merges, err
		}
		touched[survivor.ID] = true
		touched[loser.ID] = true
		merges++
	}
}

func (e *Evolver) mergeThemes(ctx context.Context, tx *store.Tx, batchID int64, survivor, loser *model.Theme) error {
	survivor.Embedding = weightedAverage(survivor.Embedding, survivor.ResponseCount, loser.Embedding, loser.ResponseCount)
	survivor.ResponseCount += loser.ResponseCount
	survivor.LastUpdatedBatch = batchID

	if sample, err := e.sampleSimilarResponses(ctx, tx, survivor.Embedding); err == nil && len(sample) > 0 {
		if desc, err := e.extractor.RefreshDescription(ctx, survivor, sample); err == nil && desc != "" {
			survivor.Description = desc
		}
	}
	if err := tx.UpdateTheme(ctx, survivor); err != nil {
		return err
	}

	loser.Status = model.ThemeStatusMerged
	loser.ParentThemeID = &survivor.ID
	loser.ResponseCount = 0
	loser.LastUpdatedBatch = batchID
	if err := tx.UpdateTheme(ctx, loser); err != nil {
		return err
	}

	affected, err := tx.RewriteAssignments(ctx, loser.ID, survivor.ID, batchID)
	if err != nil {
		return err
	}
	return tx.AppendEvolution(ctx, &model.EvolutionEntry{
		BatchID:               batchID,
		Action:                model.EvolutionMerged,
		ThemeID:               survivor.ID,
		RelatedThemeID:        &loser.ID,
		AffectedResponseCount: affected,
	})
}

// DetectSplits implements spec 4.5(d) over every active theme whose
// assignment count crosses the split trigger.
func (e *Evolver) DetectSplits(ctx context.Context, tx *store.Tx, batchID int64, minResponsesPerTheme int, responseByID map[int64]model.Response) error {
	themes, err := tx.ListActiveThemes(ctx)
	if err != nil {
		return err
	}
	for _, theme := range themes {
		assignments, err := tx.ListAssignmentsByTheme(ctx, theme.ID)
		if err != nil {
			return err
		}
		if len(assignments) < minResponsesPerTheme*2 {
			continue
		}
		vectors := make([][]float32, 0, len(assignments))
		responseIDs := make([]int64, 0, len(assignments))
		for _, a := range assignments {
			r, ok := responseByID[a.ResponseID]
			if !ok {
				fetched, err := tx.GetResponse(ctx, a.ResponseID)
				if err != nil {
					return err
				}
				r = *fetched
			}
			vectors = append(vectors, r.Embedding)
			responseIDs = append(responseIDs, a.ResponseID)
		}
		variance := clusterVariance(theme.Embedding, vectors)
		if variance <= e.thresholds.SplitVariance {
			continue
		}
		assignmentsByCluster, centroids := kmeans2(vectors)
		countA, countB := 0, 0
		for _, c := range assignmentsByCluster {
			if c == 0 {
				countA++
			} else {
				countB++
			}
		}
		if countA < minResponsesPerTheme || countB < minResponsesPerTheme {
			continue // split abandoned: a child would be under-populated
		}
		if err := e.commitSplit(ctx, tx, batchID, &theme, responseIDs, assignmentsByCluster, centroids, responseByID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evolver) commitSplit(ctx context.Context, tx *store.Tx, batchID int64, parent *model.Theme, responseIDs []int64, clusterOf []int, centroids [][]float32, responseByID map[int64]model.Response) error {
	childIDs := make([]int64, 2)
	for c := 0; c < 2; c++ {
		texts := make([]string, 0)
		for i, rid := range responseIDs {
			if clusterOf[i] != c {
				continue
			}
			if r, ok := responseByID[rid]; ok {
				texts = append(texts, r.Text)
			}
		}
		candidates, err := e.extractor.Extract(ctx, "", texts)
		name, desc := parent.Name, parent.Description
		if err == nil && len(candidates) > 0 {
			name, desc = candidates[0].Name, candidates[0].Description
		}
		child := &model.Theme{
			Name:             name,
			Description:      desc,
			Embedding:        centroids[c],
			Status:           model.ThemeStatusActive,
			CreatedAtBatch:   batchID,
			LastUpdatedBatch: batchID,
			ParentThemeID:    &parent.ID,
			Metadata:         model.ThemeMetadata{SplitFrom: parent.ID, ClusterIndex: c},
		}
		id, err := tx.PutTheme(ctx, child)
		if err != nil {
			return err
		}
		child.ID = id
		childIDs[c] = id
	}

	for i, rid := range responseIDs {
		toTheme := childIDs[clusterOf[i]]
		r := responseByID[rid]
		conf := embed.CosineSimilarity(r.Embedding, centroids[clusterOf[i]])
		if err := tx.PutAssignment(ctx, &model.Assignment{
			ResponseID:       rid,
			ThemeID:          toTheme,
			Confidence:       conf,
			AssignedAtBatch:  batchID,
			LastUpdatedBatch: batchID,
		}); err != nil {
			return err
		}
	}
	if err := tx.DeleteAssignmentsByTheme(ctx, parent.ID); err != nil {
		return err
	}

	parent.Status = model.ThemeStatusSplit
	parent.ResponseCount = 0
	parent.LastUpdatedBatch = batchID
	if err := tx.UpdateTheme(ctx, parent); err != nil {
		return err
	}

	for _, id := range childIDs {
		if err := e.syncCount(ctx, tx, batchID, id); err != nil {
			return err
		}
	}

	return tx.AppendEvolution(ctx, &model.EvolutionEntry{
		BatchID: batchID,
		Action:  model.EvolutionSplit,
		ThemeID: parent.ID,
		Details: model.EvolutionDetails{ChildThemeIDs: childIDs},
		AffectedResponseCount: len(responseIDs),
	})
}

// syncCount recomputes response_count from the live assignment rows.
// If it lands on zero for a theme that is still active, the theme is
// retired: spec's active->retired transition fires whenever a rewrite
// leaves a theme with no assignments left, not only on merge/split.
func (e *Evolver) syncCount(ctx context.Context, tx *store.Tx, batchID, themeID int64) error {
	assignments, err := tx.ListAssignmentsByTheme(ctx, themeID)
	if err != nil {
		return err
	}
	theme, err := tx.GetTheme(ctx, themeID)
	if err != nil {
		return err
	}
	count := len(assignments)
	if count == 0 && theme.IsActive() {
		if err := tx.SoftRetireTheme(ctx, themeID, "response_count dropped to zero after rewrites", batchID); err != nil {
			return err
		}
		return tx.AppendEvolution(ctx, &model.EvolutionEntry{
			BatchID:               batchID,
			Action:                model.EvolutionRetired,
			ThemeID:               themeID,
			AffectedResponseCount: theme.ResponseCount,
		})
	}
	theme.ResponseCount = count
	theme.LastUpdatedBatch = batchID
	return tx.UpdateTheme(ctx, theme)
}

// RefreshDescriptions implements spec 4.5(e): themes that accumulated
// >= 3 new-or-near responses this batch get an Extractor-driven
// description refresh, applied only if the resulting embedding shift
// clears drift_update. It returns the ids of themes actually rewritten,
// i.e. those that cleared the drift gate, for the caller's
// updated_themes_count.
//
// The Extractor/Embedder calls for distinct themes are independent, so
// they fan out concurrently behind an llmConcurrency-wide semaphore.
// The store reads/writes are additionally serialized under a mutex:
// database/sql.Tx tolerates concurrent callers by blocking them behind
// its single underlying connection anyway, so this only keeps the
// get-then-update sequence for one theme from interleaving confusingly
// with another's in logs/traces, not for correctness.
func (e *Evolver) RefreshDescriptions(ctx context.Context, tx *store.Tx, batchID int64, touchedThemeIDs map[int64][]string, driftUpdate float64) ([]int64, error) {
	sem := semaphore.NewWeighted(e.llmConcurrency)
	group, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var updated []int64

	for themeID, texts := range touchedThemeIDs {
		themeID, texts := themeID, texts
		if len(texts) < 3 {
			continue
		}
		group.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			mu.Lock()
			theme, err := tx.GetTheme(gctx, themeID)
			mu.Unlock()
			if err != nil || !theme.IsActive() {
				return nil
			}
			newDesc, err := e.extractor.RefreshDescription(gctx, theme, texts)
			if err != nil || newDesc == "" || newDesc == theme.Description {
				return nil
			}
			newEmbedding, err := e.embedder.Embed(gctx, theme.Name+": "+newDesc)
			if err != nil {
				return nil
			}
			drift := 1 - embed.CosineSimilarity(theme.Embedding, newEmbedding)
			if drift <= driftUpdate {
				return nil
			}
			oldDesc := theme.Description
			theme.Description = newDesc
			theme.Embedding = newEmbedding
			theme.LastUpdatedBatch = batchID

			mu.Lock()
			defer mu.Unlock()
			if err := tx.UpdateTheme(gctx, theme); err != nil {
				return err
			}
			if err := tx.AppendEvolution(gctx, &model.EvolutionEntry{
				BatchID: batchID,
				Action:  model.EvolutionUpdated,
				ThemeID: themeID,
				Details: model.EvolutionDetails{OldDescription: oldDesc, NewDescription: newDesc, DriftScore: drift},
			}); err != nil {
				return err
			}
			updated = append(updated, themeID)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return updated, err
	}
	return updated, nil
}

func weightedAverage(a []float32, weightA int, b []float32, weightB int) []float32 {
	if weightA == 0 && weightB == 0 {
		weightA, weightB = 1, 1
	}
	out := make([]float32, len(a))
	total := float64(weightA + weightB)
	for i := range a {
		out[i] = float32((float64(a[i])*float64(weightA) + float64(b[i])*float64(weightB)) / total)
	}
	return normalizeVector(out)
}

func normalizeVector(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func clusterVariance(centroid []float32, members [][]float32) float64 {
	if len(members) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range members {
		sum += embed.CosineSimilarity(centroid, m)
	}
	return 1 - sum/float64(len(members))
}

// sampleSimilarResponses pulls the stored responses most similar to vec
// (at least thresholds.Update, up to refreshSampleSize) straight from the
// Store via find_similar_responses, from any batch rather than only the
// current batch's texts. The sample is not restricted to responses
// assigned to any particular theme.
func (e *Evolver) sampleSimilarResponses(ctx context.Context, tx *store.Tx, vec []float32) ([]string, error) {
	responses, err := tx.FindSimilarResponses(ctx, vec, e.thresholds.Update, e.refreshSampleSize)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(responses))
	for i, r := range responses {
		texts[i] = r.Text
	}
	return texts, nil
}
