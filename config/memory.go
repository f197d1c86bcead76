package config

type MemoryConfig struct {
	// SqlitePath specifies the file path for the record-store SQLite database.
	// ":memory:" keeps everything in-process, which is what tests use.
	SqlitePath string `env:"MEMORIA_SQLITE_PATH"`

	// VectorBackend selects the vector index implementation.
	// Options: "sqlite" (sqlite-vec virtual table) or "memory"
	VectorBackend string `env:"MEMORIA_VECTOR_BACKEND"`

	// VectorSqlitePath specifies the file path for the vector-index database
	// when VectorBackend is "sqlite". Defaults to SqlitePath.
	VectorSqlitePath string `env:"MEMORIA_VECTOR_SQLITE_PATH"`

	// MaxSpanLength is the maximum ingestible text span in bytes. Longer
	// spans must be pre-split by the caller.
	MaxSpanLength int `env:"MEMORIA_MAX_SPAN_LENGTH"`

	// AsyncIngest controls whether ingestion returns immediately with a
	// pending record while embedding happens in the background.
	AsyncIngest bool `env:"MEMORIA_ASYNC_INGEST"`

	// IngestWorkers sets the number of background embedding workers used
	// when AsyncIngest is enabled.
	IngestWorkers int `env:"MEMORIA_INGEST_WORKERS"`

	// PendingQueueSize bounds the async ingestion queue.
	PendingQueueSize int

	// DefaultTags are applied to every ingested chunk. Caller-supplied tags
	// win on key collision.
	DefaultTags map[string]string
}

func NewMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		SqlitePath:       ":memory:",
		VectorBackend:    "sqlite",
		MaxSpanLength:    8192,
		AsyncIngest:      false,
		IngestWorkers:    2,
		PendingQueueSize: 256,
	}
}
