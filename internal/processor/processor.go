// Package processor implements the Processor (C6): the seven-step batch
// pipeline that turns a batch of survey responses into persisted
// assignments and evolved themes.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mnote/internal/config"
	"github.com/xxxsen/mnote/internal/embed"
	"github.com/xxxsen/mnote/internal/evolver"
	"github.com/xxxsen/mnote/internal/extractor"
	"github.com/xxxsen/mnote/internal/highlighter"
	"github.com/xxxsen/mnote/internal/model"
	appErr "github.com/xxxsen/mnote/internal/pkg/errors"
	"github.com/xxxsen/mnote/internal/store"
)

// Batch is the input unit: a shared question and its responses.
type Batch struct {
	ID       int64
	Question string
	Texts    []string
}

// Result summarizes what a batch did, mirroring batch_metadata.
type Result struct {
	BatchID            int64         `json:"batch_id"`
	TotalResponses     int           `json:"total_responses"`
	NewThemesCount     int           `json:"new_themes_count"`
	UpdatedThemesCount int           `json:"updated_themes_count"`
	DeletedThemesCount int           `json:"deleted_themes_count"`
	ProcessingTime     time.Duration `json:"processing_time_ns"`
}

type Processor struct {
	store        *store.Store
	embedder     *embed.Embedder
	extractor    *extractor.Extractor
	highlighter  *highlighter.Highlighter
	evolver      *evolver.Evolver
	thresholds   config.ThresholdsConfig
	batchTimeout time.Duration
}

func New(st *store.Store, embedder *embed.Embedder, ext *extractor.Extractor, hl *highlighter.Highlighter, ev *evolver.Evolver, cfg config.ProcessingConfig, thresholds config.ThresholdsConfig) *Processor {
	return &Processor{
		store:        st,
		embedder:     embedder,
		extractor:    ext,
		highlighter:  hl,
		evolver:      ev,
		thresholds:   thresholds,
		batchTimeout: time.Duration(cfg.BatchTimeoutSecs) * time.Second,
	}
}

// ProcessBatch runs the full pipeline for one batch. It is idempotent
// against a duplicate batch_id: a second call with the same id fails
// fast with integrity_conflict rather than double-processing.
func (p *Processor) ProcessBatch(ctx context.Context, batch Batch) (*Result, error) {
	started := time.Now()
	log := logutil.GetLogger(ctx).With(zap.Int64("batch_id", batch.ID))

	if p.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.batchTimeout)
		defer cancel()
	}

	if exists, err := p.store.GetBatchMetadata(ctx, batch.ID); err == nil && exists != nil {
		return nil, appErr.ErrIntegrityConflict
	}

	// Step 1: persist responses with embeddings. This step's writes are
	// retained even if everything after it rolls back, so it runs in
	// its own transaction rather than the batch-spanning one.
	responses, err := p.persistResponses(ctx, batch)
	if err != nil {
		return nil, appErr.Wrap(appErr.ErrStoreUnavailable, err)
	}

	result := &Result{BatchID: batch.ID, TotalResponses: len(responses)}

	err = p.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := p.runPipeline(ctx, tx, batch, responses, result); err != nil {
			return err
		}
		result.ProcessingTime = time.Since(started)
		return tx.PutBatchMetadata(ctx, &model.BatchMetadata{
			BatchID:               batch.ID,
			Question:              batch.Question,
			TotalResponses:        result.TotalResponses,
			NewThemesCount:        result.NewThemesCount,
			UpdatedThemesCount:    result.UpdatedThemesCount,
			DeletedThemesCount:    result.DeletedThemesCount,
			ProcessingTimeSeconds: result.ProcessingTime.Seconds(),
		})
	})
	if err != nil {
		log.Warn("batch rolled back", zap.Error(err))
		return nil, err
	}
	log.Info("batch processed",
		zap.Int("responses", result.TotalResponses),
		zap.Int("new_themes", result.NewThemesCount),
		zap.Int("updated_themes", result.UpdatedThemesCount),
		zap.Duration("elapsed", result.ProcessingTime))
	return result, nil
}

func (p *Processor) persistResponses(ctx context.Context, batch Batch) ([]model.Response, error) {
	vectors, err := p.embedder.EmbedMany(ctx, batch.Texts)
	if err != nil {
		return nil, err
	}
	out := make([]model.Response, 0, len(batch.Texts))
	err = p.store.WithTx(ctx, func(tx *store.Tx) error {
		for i, text := range batch.Texts {
			r := model.Response{BatchID: batch.ID, Question: batch.Question, Text: text, Embedding: vectors[i]}
			id, err := tx.PutResponse(ctx, &r)
			if err != nil {
				return err
			}
			r.ID = id
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// runPipeline executes steps 2-7 inside the caller's transaction.
func (p *Processor) runPipeline(ctx context.Context, tx *store.Tx, batch Batch, responses []model.Response, result *Result) error {
	responseByID := make(map[int64]model.Response, len(responses))
	for _, r := range responses {
		responseByID[r.ID] = r
	}

	// Step 2: propose and embed candidate themes.
	candidates, err := p.extractor.Extract(ctx, batch.Question, batch.Texts)
	if err != nil {
		return appErr.Wrap(appErr.ErrGenerationFailed, err)
	}
	candidateTexts := make([]string, len(candidates))
	for i, c := range candidates {
		candidateTexts[i] = c.Name + ": " + c.Description
	}
	candidateEmbeddings, err := p.embedder.EmbedMany(ctx, candidateTexts)
	if err != nil {
		return appErr.Wrap(appErr.ErrEmbeddingFailed, err)
	}

	// Step 3(a): match responses against the pre-batch catalog. The
	// similarity search runs in the Store (find_similar_themes), so this
	// only needs the responses themselves, not the whole active catalog.
	matchResult, err := p.evolver.MatchToExisting(ctx, tx, responses)
	if err != nil {
		return err
	}

	// Step 3(b): fold candidates into existing themes or create new ones.
	// find_similar_themes sees a candidate's own PutTheme write as soon
	// as it commits within this transaction, so later candidates in the
	// same call already see earlier ones as merge targets.
	resolutions, err := p.evolver.DedupeCandidates(ctx, tx, batch.ID, candidates, candidateEmbeddings)
	if err != nil {
		return err
	}
	for _, r := range resolutions {
		if r.IsNew {
			result.NewThemesCount++
		}
	}

	// Responses left unmatched by (a) get a second pass now that (b) has
	// created/updated themes: a new theme's embedding didn't exist yet
	// when (a) ran, and folding a candidate into an existing theme never
	// changes that theme's embedding, so re-querying the live catalog
	// for just the unmatched responses is equivalent to matching them
	// against the themes (b) touched.
	unmatched := make([]model.Response, 0)
	for _, r := range responses {
		if len(matchResult.Assignments[r.ID]) == 0 {
			unmatched = append(unmatched, r)
		}
	}
	if len(unmatched) > 0 {
		secondPass, err := p.evolver.MatchToExisting(ctx, tx, unmatched)
		if err != nil {
			return err
		}
		for rid, matches := range secondPass.Assignments {
			matchResult.Assignments[rid] = append(matchResult.Assignments[rid], matches...)
		}
		for tid, rids := range secondPass.NearPool {
			matchResult.NearPool[tid] = append(matchResult.NearPool[tid], rids...)
		}
	}

	// Step 4 + 5: highlight and persist an assignment for every
	// response/theme match found above.
	touchedThemes := make(map[int64][]string)
	for responseID, matches := range matchResult.Assignments {
		r := responseByID[responseID]
		for _, m := range matches {
			theme, err := tx.GetTheme(ctx, m.ThemeID)
			if err != nil {
				return err
			}
			keywords, err := p.highlighter.Highlight(ctx, r.Text, r.Embedding, theme.Embedding)
			if err != nil {
				return appErr.Wrap(appErr.ErrEmbeddingFailed, err)
			}
			modelKeywords := make([]model.HighlightedKeyword, len(keywords))
			for i, k := range keywords {
				modelKeywords[i] = model.HighlightedKeyword{Phrase: k.Phrase, Score: k.Score, Positions: k.Positions}
			}
			if err := tx.PutAssignment(ctx, &model.Assignment{
				ResponseID:          responseID,
				ThemeID:             m.ThemeID,
				Confidence:          m.Confidence,
				HighlightedKeywords: modelKeywords,
				AssignedAtBatch:     batch.ID,
				LastUpdatedBatch:    batch.ID,
			}); err != nil {
				return err
			}
			touchedThemes[m.ThemeID] = append(touchedThemes[m.ThemeID], r.Text)
		}
	}
	for themeID, texts := range matchResult.NearPool {
		byResponseID := make(map[int64]bool)
		for _, rid := range texts {
			if byResponseID[rid] {
				continue
			}
			byResponseID[rid] = true
			if r, ok := responseByID[rid]; ok {
				touchedThemes[themeID] = append(touchedThemes[themeID], r.Text)
			}
		}
	}

	for themeID := range touchedThemes {
		if err := p.evolver.SyncResponseCount(ctx, tx, batch.ID, themeID); err != nil {
			return err
		}
	}

	// Step 6: merge, split, refresh. Only merges (each retiring exactly
	// one loser theme) and drift-gated description rewrites count toward
	// the batch result; themes only touched by a fresh assignment this
	// batch, including ones DedupeCandidates just created, do not.
	mergedCount, err := p.evolver.DetectMerges(ctx, tx, batch.ID)
	if err != nil {
		return appErr.Wrap(appErr.ErrGenerationFailed, err)
	}
	result.DeletedThemesCount = mergedCount
	if err := p.evolver.DetectSplits(ctx, tx, batch.ID, p.thresholds.MinResponsesPerTheme, responseByID); err != nil {
		return appErr.Wrap(appErr.ErrGenerationFailed, err)
	}
	updatedThemeIDs, err := p.evolver.RefreshDescriptions(ctx, tx, batch.ID, touchedThemes, p.thresholds.DriftUpdate)
	if err != nil {
		return appErr.Wrap(appErr.ErrGenerationFailed, err)
	}
	result.UpdatedThemesCount = len(updatedThemeIDs)
	return nil
}

// ProcessMany runs batches sequentially in the order given. If
// continueOnError is false, the first failing batch stops the run;
// otherwise later batches still get a chance to process.
func (p *Processor) ProcessMany(ctx context.Context, batches []Batch, continueOnError bool) ([]*Result, error) {
	results := make([]*Result, 0, len(batches))
	for _, b := range batches {
		res, err := p.ProcessBatch(ctx, b)
		if err != nil {
			if !continueOnError {
				return results, fmt.Errorf("batch %d: %w", b.ID, err)
			}
			continue
		}
		results = append(results, res)
	}
	return results, nil
}
