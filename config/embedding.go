package config

import "time"

type EmbeddingConfig struct {
	// Model is the embedding model identifier. It doubles as the model
	// version recorded on every embedding reference.
	Model string `env:"MEMORIA_EMBEDDING_MODEL"`

	// Dimension is the vector dimensionality produced by Model.
	Dimension int `env:"MEMORIA_EMBEDDING_DIMENSION"`

	// BaseURL overrides the embedding service endpoint. Useful for tests
	// and OpenAI-compatible gateways.
	BaseURL string `env:"MEMORIA_EMBEDDING_BASE_URL"`

	// APIKeyEnv names the environment variable holding the service
	// credential. The key itself is never stored by this subsystem.
	APIKeyEnv string

	// BatchSize caps how many pending chunks are embedded per external call.
	BatchSize int `env:"MEMORIA_EMBEDDING_BATCH_SIZE"`

	// MaxAttempts bounds retries for retriable failures (rate limit,
	// timeout, 5xx). Terminal failures are never retried.
	MaxAttempts int `env:"MEMORIA_EMBEDDING_MAX_ATTEMPTS"`

	// InitialBackoff is the first retry delay; it doubles per attempt up to
	// MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestTimeout applies to each individual embedding call.
	RequestTimeout time.Duration
}

func NewEmbeddingConfig() *EmbeddingConfig {
	return &EmbeddingConfig{
		Model:          "text-embedding-3-small",
		Dimension:      1536,
		APIKeyEnv:      "OPENAI_API_KEY",
		BatchSize:      32,
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}
