package config

// Config aggregates the per-concern configuration values. It is built once
// and passed immutably into each component at construction.
type Config struct {
	Memory    *MemoryConfig
	Embedding *EmbeddingConfig
	Retrieval *RetrievalConfig
	Reconcile *ReconcileConfig
	Log       *LogConfig
}

func NewConfig() *Config {
	return &Config{
		Memory:    NewMemoryConfig(),
		Embedding: NewEmbeddingConfig(),
		Retrieval: NewRetrievalConfig(),
		Reconcile: NewReconcileConfig(),
		Log:       NewLogConfig(),
	}
}

// Resolve overlays environment values (and .env files, if present) onto the
// defaults of every section.
func (c *Config) Resolve(testing bool) error {
	for _, section := range []any{c.Memory, c.Embedding, c.Retrieval, c.Reconcile, c.Log} {
		if err := resolveConfig(section, testing); err != nil {
			return err
		}
	}
	return nil
}
