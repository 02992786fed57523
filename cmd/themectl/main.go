package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/mnote/internal/ai"
	"github.com/xxxsen/mnote/internal/config"
	"github.com/xxxsen/mnote/internal/db"
	"github.com/xxxsen/mnote/internal/embed"
	"github.com/xxxsen/mnote/internal/embedcache"
	"github.com/xxxsen/mnote/internal/evolver"
	"github.com/xxxsen/mnote/internal/extractor"
	"github.com/xxxsen/mnote/internal/handler"
	"github.com/xxxsen/mnote/internal/highlighter"
	"github.com/xxxsen/mnote/internal/job"
	"github.com/xxxsen/mnote/internal/middleware"
	"github.com/xxxsen/mnote/internal/processor"
	"github.com/xxxsen/mnote/internal/repo"
	"github.com/xxxsen/mnote/internal/schedule"
	"github.com/xxxsen/mnote/internal/store"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "themectl",
		Short: "theme evolution engine",
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			conn, err := db.Open(cfg.Database)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer conn.Close()
			if err := db.ApplyMigrations(conn); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			logutil.GetLogger(context.Background()).Info("migrations applied")
			return nil
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the batch ingest HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			conn, err := db.Open(cfg.Database)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer conn.Close()
			return runServer(cfg, conn)
		},
	}

	var ingestFile, ingestDir string
	var continueOnError bool
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "process one or more NDJSON-encoded batches from a file, stdin, or a directory of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ingestFile != "" && ingestDir != "" {
				return fmt.Errorf("--file and --dir are mutually exclusive")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			conn, err := db.Open(cfg.Database)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer conn.Close()
			return runIngest(cfg, conn, ingestFile, ingestDir, continueOnError)
		},
	}
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "path to an NDJSON file of {batch_id, question, responses} objects, or \"-\"/omitted for stdin")
	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "directory of NDJSON batch files, processed in filename order via process_many")
	ingestCmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep processing later batches after one fails")

	for _, cmd := range []*cobra.Command{migrateCmd, serveCmd, ingestCmd} {
		cmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("command failed", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

// engine bundles every collaborator (C1-C6) built from configuration;
// the server and the one-off ingest command share this construction.
type engine struct {
	store     *store.Store
	processor *processor.Processor
	cache     *repo.EmbeddingCacheRepo
}

func wireEngine(cfg *config.Config, conn *sql.DB) (*engine, error) {
	st := store.New(conn, cfg.Vector)
	cacheRepo := repo.NewEmbeddingCacheRepo(conn)

	rawEmbedder, err := buildEmbedder(cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.ProviderArgs, cfg.Embedding.Fallbacks)
	if err != nil {
		return nil, fmt.Errorf("init embedding provider: %w", err)
	}
	cachedEmbedder := embedcache.WrapDBCacheToEmbedder(rawEmbedder, cacheRepo)
	cachedEmbedder = embedcache.WrapLruCacheToEmbedder(cachedEmbedder,
		cfg.Embedding.CacheLRUSize, time.Duration(cfg.Embedding.CacheLRUTTLMs)*time.Millisecond)

	generator, err := buildGenerator(cfg.Generation.Provider, cfg.Generation.Model, cfg.Generation.ProviderArgs, cfg.Generation.Fallbacks)
	if err != nil {
		return nil, fmt.Errorf("init generation provider: %w", err)
	}

	manager := ai.NewManager(generator, cachedEmbedder, ai.ManagerConfig{
		Timeout:       cfg.Generation.TimeoutSecs,
		MaxInputChars: cfg.Processing.PromptCharLimit,
	})

	embedder := embed.New(cachedEmbedder, cfg.Embedding.Dim, cfg.Processing.EmbedParallelism)
	ext := extractor.New(manager, cfg.Processing.PromptCharLimit, cfg.Processing.RefreshSampleSize)
	hl := highlighter.New(embedder, highlighter.NGramConfig{
		Unigrams:             cfg.NGram.Unigrams,
		Bigrams:              cfg.NGram.Bigrams,
		Trigrams:             cfg.NGram.Trigrams,
		MinWordLength:        cfg.NGram.MinWordLength,
		MaxStopwordsInPhrase: cfg.NGram.MaxStopwordsInPhrase,
	}, cfg.Processing.MaxKeywords, cfg.Thresholds.MinContribution)
	ev := evolver.New(ext, embedder, cfg.Thresholds, cfg.Processing.LLMConcurrency, cfg.Processing.RefreshSampleSize)
	proc := processor.New(st, embedder, ext, hl, ev, cfg.Processing, cfg.Thresholds)

	return &engine{store: st, processor: proc, cache: cacheRepo}, nil
}

// buildEmbedder wires the primary embedding provider and, when
// fallbacks are configured, wraps it and them behind a group embedder
// that tries each in order until one succeeds.
func buildEmbedder(providerName, model string, args json.RawMessage, fallbacks []config.ProviderConfig) (ai.IEmbedder, error) {
	primary, err := ai.NewProvider(providerName, decodeProviderArgs(args))
	if err != nil {
		return nil, err
	}
	if len(fallbacks) == 0 {
		return ai.NewEmbedder(primary, model), nil
	}
	entries := []ai.EmbedderEntry{{Name: providerName, Embedder: ai.NewEmbedder(primary, model)}}
	for _, fb := range fallbacks {
		p, err := ai.NewProvider(fb.Provider, decodeProviderArgs(fb.ProviderArgs))
		if err != nil {
			return nil, fmt.Errorf("init fallback embedding provider %s: %w", fb.Provider, err)
		}
		entries = append(entries, ai.EmbedderEntry{Name: fb.Provider, Embedder: ai.NewEmbedder(p, fb.Model)})
	}
	return ai.NewGroupEmbedder(entries), nil
}

// buildGenerator mirrors buildEmbedder for the generation side.
func buildGenerator(providerName, model string, args json.RawMessage, fallbacks []config.ProviderConfig) (ai.IGenerator, error) {
	primary, err := ai.NewProvider(providerName, decodeProviderArgs(args))
	if err != nil {
		return nil, err
	}
	if len(fallbacks) == 0 {
		return ai.NewGenerator(primary, model), nil
	}
	entries := []ai.GeneratorEntry{{Name: providerName, Generator: ai.NewGenerator(primary, model)}}
	for _, fb := range fallbacks {
		p, err := ai.NewProvider(fb.Provider, decodeProviderArgs(fb.ProviderArgs))
		if err != nil {
			return nil, fmt.Errorf("init fallback generation provider %s: %w", fb.Provider, err)
		}
		entries = append(entries, ai.GeneratorEntry{Name: fb.Provider, Generator: ai.NewGenerator(p, fb.Model)})
	}
	return ai.NewGroupGenerator(entries), nil
}

func decodeProviderArgs(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func runServer(cfg *config.Config, conn *sql.DB) error {
	eng, err := wireEngine(cfg, conn)
	if err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := schedule.NewCronScheduler()
	cleanupJob := job.NewEmbeddingCacheCleanupJob(eng.cache, 30)
	if err := scheduler.AddJob(cleanupJob, "0 0 * * *"); err != nil {
		return fmt.Errorf("schedule cleanup job: %w", err)
	}
	scheduler.Start(rootCtx)
	defer scheduler.Stop()

	deps := handler.RouterDeps{
		Ingest: handler.NewIngestHandler(eng.processor),
		Stats:  handler.NewStatsHandler(eng.store),
	}

	rateLimitWindow := time.Duration(cfg.Server.RateLimitEvery) * time.Millisecond
	httpEngine, err := webapi.NewEngine(
		"/api/v1",
		fmt.Sprintf("0.0.0.0:%d", cfg.Server.Port),
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.CORS(cfg.Server.CORSAllowlist),
			middleware.RateLimit(rateLimitWindow),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(context.Background()).Info("http server listening", zap.Int("port", cfg.Server.Port))

	go func() {
		if err := httpEngine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}

// ingestFileInput is one NDJSON line: a self-contained batch.
type ingestFileInput struct {
	BatchID   int64    `json:"batch_id"`
	Question  string   `json:"question"`
	Responses []string `json:"responses"`
}

// runIngest loads batches from --file (or stdin, when path is empty or
// "-"), or from every file in --dir taken in filename order, and runs
// them all through Processor.ProcessMany so a directory of batches gets
// the same continue_on_error semantics as a single NDJSON stream.
func runIngest(cfg *config.Config, conn *sql.DB, path, dir string, continueOnError bool) error {
	eng, err := wireEngine(cfg, conn)
	if err != nil {
		return err
	}

	var batches []processor.Batch
	if dir != "" {
		batches, err = loadBatchesFromDir(dir)
	} else {
		batches, err = loadBatchesFromPath(path)
	}
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return fmt.Errorf("no batches found to ingest")
	}

	ctx := context.Background()
	results, procErr := eng.processor.ProcessMany(ctx, batches, continueOnError)
	for _, result := range results {
		logutil.GetLogger(ctx).Info("batch ingested",
			zap.Int64("batch_id", result.BatchID),
			zap.Int("new_themes", result.NewThemesCount),
			zap.Int("updated_themes", result.UpdatedThemesCount),
			zap.Int("deleted_themes", result.DeletedThemesCount))
	}
	if len(results) > 0 {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return fmt.Errorf("encode batch results: %w", err)
		}
	}
	if procErr != nil {
		return fmt.Errorf("process many: %w", procErr)
	}
	return nil
}

// loadBatchesFromPath reads NDJSON batches from path, or from stdin
// when path is empty or "-".
func loadBatchesFromPath(path string) ([]processor.Batch, error) {
	if path == "" || path == "-" {
		return decodeNDJSONBatches(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ingest file: %w", err)
	}
	defer f.Close()
	return decodeNDJSONBatches(f)
}

// loadBatchesFromDir reads every regular file in dir, in filename
// order, as its own NDJSON stream and concatenates the resulting
// batches.
func loadBatchesFromDir(dir string) ([]processor.Batch, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read ingest dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var batches []processor.Batch
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		fileBatches, err := decodeNDJSONBatches(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		batches = append(batches, fileBatches...)
	}
	return batches, nil
}

// decodeNDJSONBatches reads one JSON batch object per line, skipping
// blank lines.
func decodeNDJSONBatches(r io.Reader) ([]processor.Batch, error) {
	var batches []processor.Batch
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var input ingestFileInput
		if err := json.Unmarshal([]byte(line), &input); err != nil {
			return nil, fmt.Errorf("decode ndjson line: %w", err)
		}
		batches = append(batches, processor.Batch{
			ID:       input.BatchID,
			Question: input.Question,
			Texts:    input.Responses,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ndjson: %w", err)
	}
	return batches, nil
}
