package store

import (
	"context"
	"database/sql"

	"github.com/xxxsen/mnote/internal/config"
	"github.com/xxxsen/mnote/internal/model"
	"github.com/xxxsen/mnote/internal/repo"
)

// Store is C1: the sole persistence gateway, backed by Postgres/pgvector.
// It is a concrete type, not an interface: Processor holds a *Store and
// the Evolver receives the batch's *Tx.
type Store struct {
	db  *sql.DB
	vec config.VectorConfig

	responses   *repo.ResponseRepo
	themes      *repo.ThemeRepo
	assignments *repo.AssignmentRepo
	evolution   *repo.EvolutionRepo
	batches     *repo.BatchRepo
	cache       *repo.EmbeddingCacheRepo
}

// New builds a Store. vec configures the ivfflat probes/lists find_similar_themes
// and find_similar_responses tune their queries with; its zero value makes
// every similarity query take the exact-scan path.
func New(db *sql.DB, vec config.VectorConfig) *Store {
	return &Store{
		db:          db,
		vec:         vec,
		responses:   repo.NewResponseRepo(db, vec.IVFFlatProbes, vec.IVFFlatLists),
		themes:      repo.NewThemeRepo(db, vec.IVFFlatProbes, vec.IVFFlatLists),
		assignments: repo.NewAssignmentRepo(db),
		evolution:   repo.NewEvolutionRepo(db),
		batches:     repo.NewBatchRepo(db),
		cache:       repo.NewEmbeddingCacheRepo(db),
	}
}

// Tx is a Store bound to one *sql.Tx, so every operation on it during a
// batch either all commits or all rolls back together.
type Tx struct {
	tx *sql.Tx

	responses   *repo.ResponseRepo
	themes      *repo.ThemeRepo
	assignments *repo.AssignmentRepo
	evolution   *repo.EvolutionRepo
	batches     *repo.BatchRepo
}

// WithTx runs fn inside a single *sql.Tx: on any error returned by fn the
// transaction rolls back and nothing from the batch is observed by later
// reads, matching the "responses persisted in step 1 are retained, but no
// assignments or theme mutations survive" rollback contract.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	tx := &Tx{
		tx:          sqlTx,
		responses:   repo.NewResponseRepo(sqlTx, s.vec.IVFFlatProbes, s.vec.IVFFlatLists),
		themes:      repo.NewThemeRepo(sqlTx, s.vec.IVFFlatProbes, s.vec.IVFFlatLists),
		assignments: repo.NewAssignmentRepo(sqlTx),
		evolution:   repo.NewEvolutionRepo(sqlTx),
		batches:     repo.NewBatchRepo(sqlTx),
	}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func (t *Tx) PutResponse(ctx context.Context, r *model.Response) (int64, error) {
	return t.responses.Put(ctx, r)
}

func (t *Tx) PutTheme(ctx context.Context, th *model.Theme) (int64, error) {
	return t.themes.Put(ctx, th)
}

func (t *Tx) UpdateTheme(ctx context.Context, th *model.Theme) error {
	return t.themes.Update(ctx, th)
}

func (t *Tx) SoftRetireTheme(ctx context.Context, id int64, reason string, batchID int64) error {
	return t.themes.SoftRetire(ctx, id, reason, batchID)
}

func (t *Tx) PutAssignment(ctx context.Context, a *model.Assignment) error {
	return t.assignments.Put(ctx, a)
}

func (t *Tx) RewriteAssignments(ctx context.Context, fromTheme, toTheme, batchID int64) (int, error) {
	return t.assignments.RewriteAssignments(ctx, fromTheme, toTheme, batchID)
}

func (t *Tx) DeleteAssignmentsByTheme(ctx context.Context, themeID int64) error {
	return t.assignments.DeleteByTheme(ctx, themeID)
}

func (t *Tx) FindSimilarThemes(ctx context.Context, vec []float32, minCos float64, k int, status model.ThemeStatus) ([]model.Theme, error) {
	return t.themes.FindSimilar(ctx, vec, minCos, k, status)
}

func (t *Tx) FindSimilarResponses(ctx context.Context, vec []float32, minCos float64, k int) ([]model.Response, error) {
	return t.responses.FindSimilar(ctx, vec, minCos, k)
}

func (t *Tx) ListActiveThemes(ctx context.Context) ([]model.Theme, error) {
	return t.themes.ListActive(ctx)
}

func (t *Tx) GetTheme(ctx context.Context, id int64) (*model.Theme, error) {
	return t.themes.GetByID(ctx, id)
}

func (t *Tx) ListAssignmentsByTheme(ctx context.Context, themeID int64) ([]model.Assignment, error) {
	return t.assignments.ListByTheme(ctx, themeID)
}

func (t *Tx) ListResponsesByBatch(ctx context.Context, batchID int64) ([]model.Response, error) {
	return t.responses.ListByBatch(ctx, batchID)
}

func (t *Tx) GetResponse(ctx context.Context, id int64) (*model.Response, error) {
	return t.responses.GetByID(ctx, id)
}

func (t *Tx) AppendEvolution(ctx context.Context, e *model.EvolutionEntry) error {
	return t.evolution.Append(ctx, e)
}

func (t *Tx) PutBatchMetadata(ctx context.Context, m *model.BatchMetadata) error {
	return t.batches.Put(ctx, m)
}

func (t *Tx) BatchExists(ctx context.Context, batchID int64) (bool, error) {
	return t.batches.Exists(ctx, batchID)
}

// Outside-of-transaction reads, used by handlers/CLI for reporting.

func (s *Store) CacheGet(ctx context.Context, hash string) ([]float32, bool, error) {
	return s.cache.Get(ctx, hash)
}

func (s *Store) CachePut(ctx context.Context, hash string, vec []float32, modelName string) error {
	return s.cache.Save(ctx, &model.EmbeddingCacheEntry{TextHash: hash, Embedding: vec, ModelName: modelName})
}

func (s *Store) GetBatchMetadata(ctx context.Context, batchID int64) (*model.BatchMetadata, error) {
	return s.batches.GetByID(ctx, batchID)
}

func (s *Store) ListEvolutionByBatch(ctx context.Context, batchID int64) ([]model.EvolutionEntry, error) {
	return s.evolution.ListByBatch(ctx, batchID)
}

// Stats reports coarse catalog sizes, used by the CLI/handler status
// surface (not part of the batch pipeline itself).
type Stats struct {
	ActiveThemes  int
	TotalThemes   int
	TotalResponses int
	TotalBatches  int
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extracted_themes WHERE status = 'active'`).Scan(&stats.ActiveThemes); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extracted_themes`).Scan(&stats.TotalThemes); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM survey_responses`).Scan(&stats.TotalResponses); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_metadata`).Scan(&stats.TotalBatches); err != nil {
		return nil, err
	}
	return &stats, nil
}
