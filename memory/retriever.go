package memory

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/taleweave/memoria/config"
	"github.com/taleweave/memoria/entity"
	"github.com/taleweave/memoria/errors"
)

type (
	// Planner executes hybrid retrieval: vector similarity first, record
	// store keyword scan as the degraded fallback, composite re-ranking on
	// top of either.
	Planner struct {
		records RecordStore
		index   VectorIndex
		gateway *Gateway
		conf    *config.RetrievalConfig
		logger  *slog.Logger

		cacheMu sync.Mutex
		cache   map[string]cachedEmbedding
	}

	cachedEmbedding struct {
		vector []float32
		at     time.Time
	}

	candidate struct {
		chunk      *entity.Chunk
		similarity float64
		fallback   bool
	}
)

func NewPlanner(records RecordStore, index VectorIndex, gateway *Gateway, conf *config.RetrievalConfig, logger *slog.Logger) *Planner {
	return &Planner{
		records: records,
		index:   index,
		gateway: gateway,
		conf:    conf,
		logger:  logger,
		cache:   make(map[string]cachedEmbedding),
	}
}

// Retrieve returns at most q.Limit ranked records. Zero matches is an empty
// result, never an error.
func (p *Planner) Retrieve(ctx context.Context, q RetrieveQuery) (*RetrieveResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = p.conf.DefaultLimit
	}
	topK := limit * p.conf.RetrievalFactor
	if topK < limit {
		topK = limit
	}

	candidates := make(map[string]*candidate)
	degraded := false

	queryVector, err := p.queryEmbedding(ctx, q.Text)
	if err != nil {
		p.logger.Warn("query embedding unavailable, falling back to record store scan", slog.Any("error", err))
		degraded = true
	} else {
		matches, err := p.index.Search(ctx, queryVector, q.Slot, q.TagFilters, p.gateway.embedder.ModelVersion(), topK)
		if err != nil {
			p.logger.Warn("vector index unavailable, falling back to record store scan", slog.Any("error", err))
			degraded = true
		} else {
			for _, m := range matches {
				chunk, err := p.records.GetChunk(ctx, m.ChunkID)
				if err != nil {
					// Index is ahead of the record store; reconciliation owns
					// this divergence.
					continue
				}
				if !tagsMatch(chunk.Tags.Data(), q.TagFilters) {
					continue
				}
				candidates[m.ChunkID] = &candidate{chunk: chunk, similarity: m.Similarity}
			}
		}
	}

	if degraded || len(candidates) < topK {
		contributed, err := p.fallbackScan(ctx, q, topK, candidates)
		if err != nil {
			if len(candidates) == 0 {
				return nil, err
			}
			p.logger.Warn("fallback scan failed", slog.Any("error", err))
		}
		degraded = degraded || contributed
	}

	records := p.rank(q, candidates, limit)
	return &RetrieveResult{Records: records, Degraded: degraded}, nil
}

// fallbackScan fills the candidate set from a keyword scan over the record
// store. Reports whether it contributed anything, which marks the result
// degraded.
func (p *Planner) fallbackScan(ctx context.Context, q RetrieveQuery, topK int, candidates map[string]*candidate) (bool, error) {
	terms := lo.Uniq(strings.Fields(Normalize(q.Text)))
	contributed := false

	err := p.records.ScanSlot(ctx, q.Slot, func(chunk *entity.Chunk) error {
		if len(candidates) >= topK {
			return nil
		}
		if _, seen := candidates[chunk.ID]; seen {
			return nil
		}
		if !tagsMatch(chunk.Tags.Data(), q.TagFilters) {
			return nil
		}
		score := keywordScore(terms, chunk.Text)
		if score == 0 {
			return nil
		}
		candidates[chunk.ID] = &candidate{chunk: chunk, similarity: score, fallback: true}
		contributed = true
		return nil
	})
	if err != nil {
		return contributed, errors.Wrapf(errors.ErrServiceUnavailable, "record store scan failed: %v", err)
	}
	return contributed, nil
}

// rank applies the composite score and deterministic ordering.
func (p *Planner) rank(q RetrieveQuery, candidates map[string]*candidate, limit int) []ScoredRecord {
	now := time.Now()
	scored := make([]ScoredRecord, 0, len(candidates))

	for _, c := range candidates {
		composite := p.conf.SimilarityWeight*c.similarity +
			p.conf.RecencyWeight*recencyDecay(now.Sub(c.chunk.CreatedAt), p.conf.RecencyHalfLife) +
			p.conf.TagMatchWeight*tagOverlap(c.chunk.Tags.Data(), q.TagFilters)

		scored = append(scored, ScoredRecord{
			MemoryRecord: *recordFromChunk(c.chunk),
			Score:        composite,
			Similarity:   c.similarity,
		})
	}

	// Ties break on chunk id; ids are ULIDs, so earlier-created wins.
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ChunkID < scored[j].ChunkID
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

func (p *Planner) queryEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := Normalize(text)

	p.cacheMu.Lock()
	if cached, ok := p.cache[key]; ok && time.Since(cached.at) < p.conf.QueryCacheTTL {
		p.cacheMu.Unlock()
		return cached.vector, nil
	}
	p.cacheMu.Unlock()

	vector, err := p.gateway.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	p.cacheMu.Lock()
	p.cache[key] = cachedEmbedding{vector: vector, at: time.Now()}
	// Drop expired entries opportunistically so the cache stays small.
	for k, v := range p.cache {
		if time.Since(v.at) >= p.conf.QueryCacheTTL {
			delete(p.cache, k)
		}
	}
	p.cacheMu.Unlock()

	return vector, nil
}

// recencyDecay halves for every halfLife of chunk age.
func recencyDecay(age, halfLife time.Duration) float64 {
	if halfLife <= 0 || age <= 0 {
		return 1.0
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}

// tagOverlap is the fraction of filter pairs present on the chunk.
func tagOverlap(tags, filters map[string]string) float64 {
	if len(filters) == 0 {
		return 0
	}
	matched := 0
	for k, v := range filters {
		if tags[k] == v {
			matched++
		}
	}
	return float64(matched) / float64(len(filters))
}

func keywordScore(queryTerms []string, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	normalized := Normalize(text)
	matched := 0
	for _, term := range queryTerms {
		if strings.Contains(normalized, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}
