package config

import "time"

type RetrievalConfig struct {
	// SimilarityWeight, RecencyWeight and TagMatchWeight are the composite
	// ranking weights. They are deliberately configuration, not constants,
	// so operators can tune per-agent behavior.
	SimilarityWeight float64 `env:"MEMORIA_SIMILARITY_WEIGHT"`
	RecencyWeight    float64 `env:"MEMORIA_RECENCY_WEIGHT"`
	TagMatchWeight   float64 `env:"MEMORIA_TAG_MATCH_WEIGHT"`

	// RecencyHalfLife is the chunk age at which the recency component of the
	// composite score halves.
	RecencyHalfLife time.Duration

	// DefaultLimit is used when a query does not specify a result limit.
	DefaultLimit int `env:"MEMORIA_DEFAULT_LIMIT"`

	// RetrievalFactor determines vector-index over-fetch before re-ranking.
	// Actual candidate count = limit x RetrievalFactor.
	RetrievalFactor int `env:"MEMORIA_RETRIEVAL_FACTOR"`

	// QueryCacheTTL bounds reuse of a cached query embedding.
	QueryCacheTTL time.Duration
}

func NewRetrievalConfig() *RetrievalConfig {
	return &RetrievalConfig{
		SimilarityWeight: 0.65,
		RecencyWeight:    0.2,
		TagMatchWeight:   0.15,
		RecencyHalfLife:  72 * time.Hour,
		DefaultLimit:     10,
		RetrievalFactor:  3,
		QueryCacheTTL:    30 * time.Second,
	}
}
