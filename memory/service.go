package memory

import (
	"context"
	"log/slog"

	"github.com/mokiat/gog"
	"github.com/taleweave/memoria/config"
	"github.com/taleweave/memoria/entity"
	"github.com/taleweave/memoria/errors"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

type (
	// Service is the memory engine facade consumed by agent and session
	// collaborators. Every call is scope-checked before any side effect.
	Service interface {
		// Ingest stores a text span as a chunk. Idempotent per (slot,
		// content hash): re-submitting identical text in a slot returns the
		// existing record without creating anything.
		Ingest(ctx context.Context, token ScopeToken, in IngestInput) (*MemoryRecord, error)
		Retrieve(ctx context.Context, token ScopeToken, q RetrieveQuery) (*RetrieveResult, error)
		// Status polls the embedding state of a chunk, for async ingestion.
		Status(ctx context.Context, token ScopeToken, chunkID string) (*MemoryRecord, error)
		// Delete soft-deletes a chunk. Administrative scope only.
		Delete(ctx context.Context, token ScopeToken, chunkID string) error
		// Purge hard-removes a soft-deleted chunk and its vector.
		Purge(ctx context.Context, token ScopeToken, chunkID string) error
		// Reconcile forces a consistency pass between the two stores.
		Reconcile(ctx context.Context, token ScopeToken) (*ReconcileSummary, error)
		Close() error
	}

	service struct {
		chunker    *Chunker
		records    RecordStore
		index      VectorIndex
		gateway    *Gateway
		planner    *Planner
		reconciler *Reconciler
		conf       *config.MemoryConfig
		logger     *slog.Logger

		pending chan string
		workers *errgroup.Group
		cancel  context.CancelFunc
	}
)

var _ Service = (*service)(nil)

// NewService builds the engine with SQLite-backed stores per configuration.
func NewService(ctx context.Context, conf *config.Config, logger *slog.Logger) (Service, error) {
	records, err := NewGormRecordStore(conf.Memory.SqlitePath)
	if err != nil {
		return nil, err
	}

	var index VectorIndex
	switch conf.Memory.VectorBackend {
	case "memory":
		index = NewInMemoryVectorIndex()
	default:
		path := conf.Memory.VectorSqlitePath
		if path == "" {
			path = conf.Memory.SqlitePath
		}
		index, err = NewSqliteVectorIndex(path, conf.Embedding.Dimension)
		if err != nil {
			return nil, err
		}
	}

	embedder, err := NewOpenAIEmbedder(conf.Embedding)
	if err != nil {
		return nil, err
	}

	return NewServiceWithStores(ctx, conf, logger, records, index, embedder)
}

// NewServiceWithStores builds the engine over caller-provided adapters.
// Tests use it to inject fakes.
func NewServiceWithStores(
	ctx context.Context,
	conf *config.Config,
	logger *slog.Logger,
	records RecordStore,
	index VectorIndex,
	embedder Embedder,
) (Service, error) {
	gateway := NewGateway(embedder, records, index, conf.Embedding, logger)

	s := &service{
		chunker:    NewChunker(conf.Memory),
		records:    records,
		index:      index,
		gateway:    gateway,
		planner:    NewPlanner(records, index, gateway, conf.Retrieval, logger),
		reconciler: NewReconciler(records, index, gateway, conf.Reconcile, logger),
		conf:       conf.Memory,
		logger:     logger,
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if conf.Memory.AsyncIngest {
		s.pending = make(chan string, conf.Memory.PendingQueueSize)
		s.startWorkers(runCtx)
	}

	if conf.Reconcile.RunAtStartup || conf.Reconcile.Interval > 0 {
		go s.reconciler.Loop(runCtx)
	}

	return s, nil
}

func (s *service) Ingest(ctx context.Context, token ScopeToken, in IngestInput) (*MemoryRecord, error) {
	if err := token.require(CapAppend); err != nil {
		return nil, err
	}
	if err := s.chunker.Validate(in.Text); err != nil {
		return nil, err
	}
	if in.Slot == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "slot is required")
	}

	chunk := &entity.Chunk{
		ID:     NewChunkID(),
		Hash:   ContentHash(in.Text),
		Slot:   in.Slot,
		Text:   in.Text,
		Status: entity.ChunkStatusPending,
	}
	if tags := gog.Merge(s.conf.DefaultTags, in.Tags); len(tags) > 0 {
		chunk.Tags = datatypes.NewJSONType(tags)
	}

	stored, created, err := s.records.CreateChunk(ctx, chunk)
	if err != nil {
		return nil, err
	}
	if !created && stored.Status == entity.ChunkStatusEmbedded {
		return recordFromChunk(stored), nil
	}
	// Pending and failed duplicates resume the embedding path.

	s.logger.Debug("chunk ingested",
		slog.String("chunk_id", stored.ID),
		slog.String("slot", stored.Slot),
		slog.String("agent", token.Agent))

	if s.conf.AsyncIngest {
		select {
		case s.pending <- stored.ID:
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		}
		return recordFromChunk(stored), nil
	}

	for _, res := range s.gateway.ProcessChunks(ctx, []string{stored.ID}) {
		if res.Err != nil {
			// The chunk stays queryable in failed status; surface the cause
			// so the caller can decide to retry.
			record, getErr := s.records.GetChunk(ctx, stored.ID)
			if getErr != nil {
				return nil, res.Err
			}
			return recordFromChunk(record), res.Err
		}
	}

	refreshed, err := s.records.GetChunk(ctx, stored.ID)
	if err != nil {
		return nil, err
	}
	return recordFromChunk(refreshed), nil
}

func (s *service) Retrieve(ctx context.Context, token ScopeToken, q RetrieveQuery) (*RetrieveResult, error) {
	if err := token.require(CapRead); err != nil {
		return nil, err
	}
	return s.planner.Retrieve(ctx, q)
}

func (s *service) Status(ctx context.Context, token ScopeToken, chunkID string) (*MemoryRecord, error) {
	if err := token.require(CapRead); err != nil {
		return nil, err
	}
	chunk, err := s.records.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	return recordFromChunk(chunk), nil
}

func (s *service) Delete(ctx context.Context, token ScopeToken, chunkID string) error {
	if err := token.require(CapAdminister); err != nil {
		return err
	}
	if err := s.records.SoftDelete(ctx, chunkID); err != nil {
		return err
	}
	// Best effort; reconciliation prunes the vector if this write is lost.
	if err := s.index.Delete(ctx, chunkID); err != nil {
		s.logger.Warn("failed to drop vector for deleted chunk",
			slog.String("chunk_id", chunkID), slog.Any("error", err))
	}
	return nil
}

func (s *service) Purge(ctx context.Context, token ScopeToken, chunkID string) error {
	if err := token.require(CapAdminister); err != nil {
		return err
	}
	if err := s.records.PurgeChunk(ctx, chunkID); err != nil {
		return err
	}
	if err := s.index.Delete(ctx, chunkID); err != nil {
		s.logger.Warn("failed to drop vector for purged chunk",
			slog.String("chunk_id", chunkID), slog.Any("error", err))
	}
	return nil
}

func (s *service) Reconcile(ctx context.Context, token ScopeToken) (*ReconcileSummary, error) {
	if err := token.require(CapAdminister); err != nil {
		return nil, err
	}
	return s.reconciler.Run(ctx)
}

func (s *service) startWorkers(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for range s.conf.IngestWorkers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-s.pending:
					batch := []string{id}
					// Drain whatever is already queued, up to one batch.
				drain:
					for len(batch) < s.gateway.conf.BatchSize {
						select {
						case next := <-s.pending:
							batch = append(batch, next)
						default:
							break drain
						}
					}
					for _, res := range s.gateway.ProcessChunks(ctx, batch) {
						if res.Err != nil {
							s.logger.Warn("background embedding failed",
								slog.String("chunk_id", res.ChunkID), slog.Any("error", res.Err))
						}
					}
				}
			}
		})
	}
	s.workers = g
}

func (s *service) Close() error {
	s.cancel()
	if s.workers != nil {
		if err := s.workers.Wait(); err != nil {
			s.logger.Warn("ingest workers exited with error", slog.Any("error", err))
		}
	}
	if err := s.index.Close(); err != nil {
		s.logger.Warn("failed to close vector index", slog.Any("error", err))
	}
	return s.records.Close()
}
