package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/engramkit/engram/internal/config"
	"github.com/engramkit/engram/internal/embed"
	"github.com/engramkit/engram/internal/extractor"
	"github.com/engramkit/engram/internal/graph"
	"github.com/engramkit/engram/internal/llm"
	"github.com/engramkit/engram/internal/queue"
	"github.com/engramkit/engram/internal/resolver"
	"github.com/engramkit/engram/internal/retrieval"
	"github.com/engramkit/engram/internal/service"
	"github.com/engramkit/engram/internal/store"
	"github.com/engramkit/engram/internal/tokenizer"
	"github.com/engramkit/engram/internal/types"
	"github.com/engramkit/engram/internal/worker"
)

// app is the wired object graph every command runs against.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store        *store.Store
	queue        *queue.Queue
	service      *service.Service
	materializer *graph.Materializer
	pool         *worker.Pool
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openApp builds everything the tool surface needs. The Anthropic client is
// constructed only when withModel is set; recall and status never talk to
// the model provider.
func openApp(ctx context.Context, withModel bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := slog.Default()

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	s, err := store.Open(ctx, cfg.DBPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.DBPath, err)
	}

	embedder := embed.NewOpenAI(cfg.EmbeddingModel, cfg.EmbeddingDim, cfg.EmbeddingTimeout)
	q := queue.New(s, cfg.JobLease, cfg.JobMaxAttempts, cfg.JobBackoffBase, cfg.JobBackoffCap, logger)
	expander := graph.NewExpander(s, cfg.GraphQueryTimeout, logger)
	retriever := retrieval.New(s, s.Vectors(), embedder, expander, cfg.VectorDistanceCutoff, cfg.RRFK, logger)
	svc := service.New(cfg, s, embedder, q, retriever, logger)
	materializer := graph.NewMaterializer(s, logger)

	a := &app{
		cfg:          cfg,
		logger:       logger,
		store:        s,
		queue:        q,
		service:      svc,
		materializer: materializer,
	}

	if withModel {
		model, err := llm.NewAnthropic("", cfg.AnthropicModel, cfg.LLMTimeout)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		res := resolver.New(s, embedder, model, cfg.EntitySimilarityThreshold, cfg.EntityMaxCandidates, logger)
		chunker := tokenizer.NewChunker(cfg.SinglePieceMaxTokens, cfg.ChunkTargetTokens, cfg.ChunkOverlapTokens)
		ext := extractor.New(s, s.Vectors(), model, res, q, chunker, logger)

		pool := worker.New(q, cfg, logger)
		pool.Register(types.JobExtract, ext)
		pool.Register(types.JobGraphUpsert, materializer)
		a.pool = pool
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}
