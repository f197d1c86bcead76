package memory_test

import (
	"context"
	"hash/fnv"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/taleweave/memoria/config"
	"github.com/taleweave/memoria/errors"
	"github.com/taleweave/memoria/internal/mylog"
	"github.com/taleweave/memoria/memory"
)

// fakeEmbedder produces deterministic bag-of-words vectors so similarity
// behaves like a tiny semantic model: texts sharing terms score closer.
type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	failures int
	failErr  error
	rejects  map[string]error
	dim      int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{dim: 16}
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts ...string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, f.failErr
	}
	// A rejected text fails the whole request, like a real batch API.
	for _, text := range texts {
		if err, ok := f.rejects[text]; ok {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = bagOfWords(text, f.dim)
	}
	return out, nil
}

func (f *fakeEmbedder) ModelVersion() string { return "fake-embed-v1" }

func (f *fakeEmbedder) Dimension() int { return f.dim }

func (f *fakeEmbedder) rejectText(text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejects == nil {
		f.rejects = map[string]error{}
	}
	f.rejects[text] = err
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func bagOfWords(text string, dim int) []float32 {
	vec := make([]float32, dim)
	for _, term := range strings.Fields(memory.Normalize(text)) {
		h := fnv.New32a()
		h.Write([]byte(term))
		vec[h.Sum32()%uint32(dim)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// failingSearchIndex simulates a vector index whose reads are down while
// writes still land.
type failingSearchIndex struct {
	memory.VectorIndex
}

func (f *failingSearchIndex) Search(ctx context.Context, vector []float32, slot string, tagFilters map[string]string, modelVersion string, limit int) ([]memory.IndexMatch, error) {
	return nil, errors.Wrapf(errors.ErrServiceUnavailable, "vector index is down")
}

// droppingIndex silently loses upserts while dropWrites is set, simulating
// the consistency gap between the record store and the index.
type droppingIndex struct {
	memory.VectorIndex
	mu         sync.Mutex
	dropWrites bool
}

func (d *droppingIndex) setDrop(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropWrites = v
}

func (d *droppingIndex) Upsert(ctx context.Context, entry *memory.IndexEntry) error {
	d.mu.Lock()
	drop := d.dropWrites
	d.mu.Unlock()
	if drop {
		return nil
	}
	return d.VectorIndex.Upsert(ctx, entry)
}

type testEnv struct {
	svc      memory.Service
	records  memory.RecordStore
	index    memory.VectorIndex
	embedder *fakeEmbedder
	conf     *config.Config
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	conf := config.NewConfig()
	conf.Memory.SqlitePath = filepath.Join(t.TempDir(), "memoria.db")
	conf.Embedding.Dimension = 16
	conf.Embedding.InitialBackoff = time.Millisecond
	conf.Embedding.MaxBackoff = 4 * time.Millisecond
	conf.Embedding.RequestTimeout = time.Second
	conf.Reconcile.RunAtStartup = false
	conf.Reconcile.Interval = 0
	return conf
}

func newTestEnv(t *testing.T, conf *config.Config, index memory.VectorIndex) *testEnv {
	t.Helper()
	if conf == nil {
		conf = newTestConfig(t)
	}
	if index == nil {
		index = memory.NewInMemoryVectorIndex()
	}

	records, err := memory.NewGormRecordStore(conf.Memory.SqlitePath)
	require.NoError(t, err)

	embedder := newFakeEmbedder()
	logger := mylog.NewLoggerWithWriter("error", "json", io.Discard)

	svc, err := memory.NewServiceWithStores(t.Context(), conf, logger, records, index, embedder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return &testEnv{
		svc:      svc,
		records:  records,
		index:    index,
		embedder: embedder,
		conf:     conf,
	}
}
