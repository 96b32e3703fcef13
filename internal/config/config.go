package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration loaded from environment variables.
// It is immutable after Load() returns.
type Config struct {
	Port             int
	Environment      string
	DatabaseURL      string
	DatabaseMaxConns int

	GCPProject        string
	GCPRegion         string
	VertexAILocation  string
	VertexAIModel     string
	EmbeddingLocation string
	EmbeddingModel    string
	EmbeddingDims     int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	FrontendURL string

	InternalAuthSecret string

	// Reasoning loop budgets.
	MaxIterations            int
	MaxSubqueriesPerIter     int
	MaxTotalSubqueries       int
	MaxExpansions            int
	StagnationThreshold      int
	MatchChunksPerQuery      int
	MatchChunksMergedCap     int
	FinalAnswerChunksCap     int
	QuoteSnippetMaxChars     int
	PageContextChars         int
	LastMessagesCount        int
	IncludeFillStatusBySlot  bool
}

// Load reads configuration from environment variables.
// Required variables (DATABASE_URL, GOOGLE_CLOUD_PROJECT) cause an error if missing.
// Optional variables use sensible defaults.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	gcpProject := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if gcpProject == "" {
		return nil, fmt.Errorf("config.Load: GOOGLE_CLOUD_PROJECT is required")
	}

	cfg := &Config{
		Port:             envInt("PORT", 8080),
		Environment:      envStr("ENVIRONMENT", "development"),
		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),

		GCPProject:        gcpProject,
		GCPRegion:         envStr("GCP_REGION", "us-east4"),
		VertexAILocation:  envStr("VERTEX_AI_LOCATION", "global"),
		VertexAIModel:     envStr("VERTEX_AI_MODEL", "gemini-3-pro-preview"),
		EmbeddingLocation: envStr("VERTEX_AI_EMBEDDING_LOCATION", envStr("GCP_REGION", "us-east4")),
		EmbeddingModel:    envStr("VERTEX_AI_EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingDims:     envInt("EMBEDDING_DIMENSIONS", 768),

		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		FrontendURL: envStr("FRONTEND_URL", "http://localhost:3000"),

		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),

		MaxIterations:           envInt("MAX_ITERATIONS", 6),
		MaxSubqueriesPerIter:    envInt("MAX_SUBQUERIES_PER_ITER", 30),
		MaxTotalSubqueries:      envInt("MAX_TOTAL_SUBQUERIES", 60),
		MaxExpansions:           envInt("MAX_EXPANSIONS", 2),
		StagnationThreshold:     envInt("STAGNATION_THRESHOLD", 0),
		MatchChunksPerQuery:     envInt("MATCH_CHUNKS_PER_QUERY", 12),
		MatchChunksMergedCap:    envInt("MATCH_CHUNKS_MERGED_CAP", 45),
		FinalAnswerChunksCap:    envInt("FINAL_ANSWER_CHUNKS_CAP", 40),
		QuoteSnippetMaxChars:    envInt("QUOTE_SNIPPET_MAX_CHARS", 280),
		PageContextChars:        envInt("PAGE_CONTEXT_CHARS", 350),
		LastMessagesCount:       envInt("LAST_MESSAGES_COUNT", 10),
		IncludeFillStatusBySlot: envBool("INCLUDE_FILL_STATUS_BY_SLOT", true),
	}

	if cfg.Environment != "development" && cfg.InternalAuthSecret == "" {
		return nil, fmt.Errorf("config.Load: INTERNAL_AUTH_SECRET is required in %s environment", cfg.Environment)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
