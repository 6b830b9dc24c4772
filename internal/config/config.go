// Package config builds the explicit configuration record every component
// receives at construction. All knobs come from the environment once at
// startup; nothing here is mutated afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the core depends on. One value is constructed
// in main and handed to each component; there is no global instance.
type Config struct {
	// Storage.
	DBPath string

	// Chunking.
	SinglePieceMaxTokens int
	ChunkTargetTokens    int
	ChunkOverlapTokens   int

	// Entity resolution.
	EntitySimilarityThreshold float64
	EntityMaxCandidates       int

	// Graph expansion.
	GraphQueryTimeout    time.Duration
	GraphExpansionBudget int
	GraphSeedLimit       int

	// Job queue.
	JobLease          time.Duration
	JobMaxAttempts    int
	JobBackoffBase    time.Duration
	JobBackoffCap     time.Duration
	WorkerPollBase    time.Duration
	WorkerPollCap     time.Duration
	WorkerConcurrency int

	// Providers.
	LLMTimeout       time.Duration
	EmbeddingTimeout time.Duration
	AnthropicModel   string
	EmbeddingModel   string
	EmbeddingDim     int

	// Retrieval.
	VectorDistanceCutoff float64
	RRFK                 int

	// Tool server.
	ListenAddr string
}

// Defaults returns the built-in configuration. Values mirror the documented
// environment knobs.
func Defaults() Config {
	return Config{
		DBPath:                    ".engram/engram.db",
		SinglePieceMaxTokens:      1200,
		ChunkTargetTokens:         900,
		ChunkOverlapTokens:        100,
		EntitySimilarityThreshold: 0.85,
		EntityMaxCandidates:       5,
		GraphQueryTimeout:         500 * time.Millisecond,
		GraphExpansionBudget:      10,
		GraphSeedLimit:            5,
		JobLease:                  300 * time.Second,
		JobMaxAttempts:            5,
		JobBackoffBase:            60 * time.Second,
		JobBackoffCap:             3600 * time.Second,
		WorkerPollBase:            500 * time.Millisecond,
		WorkerPollCap:             5 * time.Second,
		WorkerConcurrency:         1,
		LLMTimeout:                30 * time.Second,
		EmbeddingTimeout:          10 * time.Second,
		AnthropicModel:            "claude-3-5-haiku-latest",
		EmbeddingModel:            "text-embedding-3-large",
		EmbeddingDim:              3072,
		VectorDistanceCutoff:      0.55,
		RRFK:                      60,
		ListenAddr:                "127.0.0.1:7133",
	}
}

// FromEnv overlays environment variables onto the defaults. Unset or
// malformed values keep their defaults; a malformed value is reported so
// operators notice typos.
func FromEnv() (Config, error) {
	cfg := Defaults()
	var errs []error

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	intv := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	floatv := func(key string, dst *float64) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
	secs := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = time.Duration(n) * time.Second
	}
	millis := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = time.Duration(n) * time.Millisecond
	}

	str("ENGRAM_DB_PATH", &cfg.DBPath)
	str("ENGRAM_LISTEN_ADDR", &cfg.ListenAddr)
	str("ENGRAM_ANTHROPIC_MODEL", &cfg.AnthropicModel)
	str("ENGRAM_EMBEDDING_MODEL", &cfg.EmbeddingModel)

	intv("SINGLE_PIECE_MAX_TOKENS", &cfg.SinglePieceMaxTokens)
	intv("CHUNK_TARGET_TOKENS", &cfg.ChunkTargetTokens)
	intv("CHUNK_OVERLAP_TOKENS", &cfg.ChunkOverlapTokens)
	floatv("ENTITY_SIMILARITY_THRESHOLD", &cfg.EntitySimilarityThreshold)
	intv("ENTITY_MAX_CANDIDATES", &cfg.EntityMaxCandidates)
	millis("GRAPH_QUERY_TIMEOUT_MS", &cfg.GraphQueryTimeout)
	intv("GRAPH_EXPANSION_BUDGET", &cfg.GraphExpansionBudget)
	intv("GRAPH_SEED_LIMIT", &cfg.GraphSeedLimit)
	secs("JOB_LEASE_SECONDS", &cfg.JobLease)
	intv("JOB_MAX_ATTEMPTS", &cfg.JobMaxAttempts)
	secs("JOB_BACKOFF_BASE_SECONDS", &cfg.JobBackoffBase)
	secs("JOB_BACKOFF_CAP_SECONDS", &cfg.JobBackoffCap)
	intv("ENGRAM_WORKERS", &cfg.WorkerConcurrency)
	secs("LLM_TIMEOUT_SECONDS", &cfg.LLMTimeout)
	secs("EMBEDDING_TIMEOUT_SECONDS", &cfg.EmbeddingTimeout)
	floatv("VECTOR_DISTANCE_CUTOFF", &cfg.VectorDistanceCutoff)
	intv("RRF_K", &cfg.RRFK)

	if len(errs) > 0 {
		return cfg, fmt.Errorf("config: %d invalid environment values (first: %v)", len(errs), errs[0])
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that would break core invariants.
func (c Config) Validate() error {
	if c.ChunkTargetTokens <= c.ChunkOverlapTokens {
		return fmt.Errorf("config: chunk target (%d) must exceed overlap (%d)", c.ChunkTargetTokens, c.ChunkOverlapTokens)
	}
	if c.SinglePieceMaxTokens < c.ChunkTargetTokens {
		return fmt.Errorf("config: single-piece threshold (%d) below chunk target (%d)", c.SinglePieceMaxTokens, c.ChunkTargetTokens)
	}
	if c.EntitySimilarityThreshold <= 0 || c.EntitySimilarityThreshold >= 1 {
		return fmt.Errorf("config: entity similarity threshold %v out of (0,1)", c.EntitySimilarityThreshold)
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("config: job max attempts must be >= 1")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive")
	}
	return nil
}
