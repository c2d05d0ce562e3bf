package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/chunk"
	"github.com/docqa/backend/internal/extract"
	"github.com/docqa/backend/internal/index"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/internal/storage/sqlite"
)

const testDim = 4

type fakeExtractor struct {
	pagesPerDoc int
}

func (f *fakeExtractor) Extract(data []byte) ([]extract.Page, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", extract.ErrExtraction)
	}
	n := f.pagesPerDoc
	if n == 0 {
		n = 1
	}
	pages := make([]extract.Page, n)
	for i := range pages {
		pages[i] = extract.Page{
			Number: i + 1,
			Text:   fmt.Sprintf("Content of page %d in %s.", i+1, data),
		}
	}
	return pages, nil
}

type fakeEmbedder struct {
	embedCalls atomic.Int32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.embedCalls.Add(1)
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, testDim)
		for j, r := range text {
			v[j%testDim] += float32(r) / 1000
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (f *fakeEmbedder) Dimension() int { return testDim }
func (f *fakeEmbedder) Model() string  { return "fake-model" }

type passReranker struct{}

func (passReranker) Rescore(_ string, candidates []models.RetrievedChunk) []models.RetrievedChunk {
	return candidates
}

type fakeSynthesizer struct {
	calls      int
	lastChunks []models.RetrievedChunk
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, _ string, chunks []models.RetrievedChunk) (*models.QueryResult, error) {
	f.calls++
	f.lastChunks = chunks
	return &models.QueryResult{
		Answer:     "synthesized",
		Confidence: 0.5,
		Citations:  []models.Citation{},
	}, nil
}

type testEnv struct {
	pipeline    *Pipeline
	store       *sqlite.Client
	index       *index.Index
	embedder    *fakeEmbedder
	synthesizer *fakeSynthesizer
	indexPath   string
}

func newTestEnv(t *testing.T, pagesPerDoc int, cfg Config) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.NewClient(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	ix := index.New(testDim, "fake-model")
	embedder := &fakeEmbedder{}
	synthesizer := &fakeSynthesizer{}

	cfg.IndexPath = filepath.Join(dir, "vectors.idx")
	cfg.UploadsDir = filepath.Join(dir, "uploads")

	p := New(
		store,
		ix,
		&fakeExtractor{pagesPerDoc: pagesPerDoc},
		chunk.NewChunker(100, 10),
		embedder,
		passReranker{},
		synthesizer,
		nil,
		cfg,
	)

	return &testEnv{
		pipeline:    p,
		store:       store,
		index:       ix,
		embedder:    embedder,
		synthesizer: synthesizer,
		indexPath:   cfg.IndexPath,
	}
}

func TestIngestRegistersDocumentAndVectors(t *testing.T) {
	env := newTestEnv(t, 5, Config{TopKRetrieval: 20, TopKRerank: 5})
	ctx := context.Background()

	result, err := env.pipeline.Ingest(ctx, []byte("doc-a"), "a.pdf")
	require.NoError(t, err)

	assert.Equal(t, "a.pdf", result.Filename)
	assert.Equal(t, 5, result.PageCount)
	assert.Equal(t, 5, result.ChunkCount)
	assert.NotEmpty(t, result.DocumentID)

	assert.Equal(t, 5, env.index.Len())
	storeCount, err := env.store.TotalChunkCount()
	require.NoError(t, err)
	assert.Equal(t, 5, storeCount)

	assert.NoError(t, env.pipeline.VerifyConsistency())
}

func TestIngestPersistsIndex(t *testing.T) {
	env := newTestEnv(t, 3, Config{TopKRetrieval: 20, TopKRerank: 5})

	_, err := env.pipeline.Ingest(context.Background(), []byte("doc-a"), "a.pdf")
	require.NoError(t, err)

	loaded, err := index.Load(env.indexPath, testDim, "fake-model")
	require.NoError(t, err)
	assert.Equal(t, env.index.Len(), loaded.Len())
	assert.Equal(t, env.index.ChunkIDs(), loaded.ChunkIDs())
}

func TestIngestExtractionFailure(t *testing.T) {
	env := newTestEnv(t, 1, Config{TopKRetrieval: 20, TopKRerank: 5})

	_, err := env.pipeline.Ingest(context.Background(), nil, "broken.pdf")
	assert.ErrorIs(t, err, extract.ErrExtraction)
	assert.Equal(t, 0, env.index.Len())
}

func TestRemoveDeletesExactlyOwnedChunks(t *testing.T) {
	env := newTestEnv(t, 0, Config{TopKRetrieval: 20, TopKRerank: 5})
	ctx := context.Background()

	extractorA := &fakeExtractor{pagesPerDoc: 5}
	extractorB := &fakeExtractor{pagesPerDoc: 3}
	env.pipeline.extractor = extractorA
	resA, err := env.pipeline.Ingest(ctx, []byte("doc-a"), "a.pdf")
	require.NoError(t, err)
	env.pipeline.extractor = extractorB
	resB, err := env.pipeline.Ingest(ctx, []byte("doc-b"), "b.pdf")
	require.NoError(t, err)

	require.Equal(t, 8, env.index.Len())

	require.NoError(t, env.pipeline.Remove(ctx, resA.DocumentID))

	assert.Equal(t, 3, env.index.Len())
	storeCount, err := env.store.TotalChunkCount()
	require.NoError(t, err)
	assert.Equal(t, 3, storeCount)

	for _, id := range env.index.ChunkIDs() {
		assert.True(t, strings.HasPrefix(id, resB.DocumentID), "chunk %s survived deletion", id)
	}

	_, err = env.store.GetDocument(resA.DocumentID)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)

	assert.NoError(t, env.pipeline.VerifyConsistency())
}

func TestRemoveUnknownDocument(t *testing.T) {
	env := newTestEnv(t, 1, Config{TopKRetrieval: 20, TopKRerank: 5})

	err := env.pipeline.Remove(context.Background(), "no-such-doc")
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestRemoveTwiceReturnsNotFound(t *testing.T) {
	env := newTestEnv(t, 2, Config{TopKRetrieval: 20, TopKRerank: 5})
	ctx := context.Background()

	res, err := env.pipeline.Ingest(ctx, []byte("doc-a"), "a.pdf")
	require.NoError(t, err)

	require.NoError(t, env.pipeline.Remove(ctx, res.DocumentID))
	err = env.pipeline.Remove(ctx, res.DocumentID)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestAnswerEmptyCorpusSkipsRetrieval(t *testing.T) {
	env := newTestEnv(t, 1, Config{TopKRetrieval: 20, TopKRerank: 5})

	result, err := env.pipeline.Answer(context.Background(), "anything at all?")
	require.NoError(t, err)

	assert.Equal(t, "synthesized", result.Answer)
	assert.Equal(t, 1, env.synthesizer.calls)
	assert.Empty(t, env.synthesizer.lastChunks)
	assert.Equal(t, int32(0), env.embedder.embedCalls.Load())
}

func TestAnswerCapsChunksAtRerankK(t *testing.T) {
	env := newTestEnv(t, 8, Config{TopKRetrieval: 6, TopKRerank: 2})
	ctx := context.Background()

	_, err := env.pipeline.Ingest(ctx, []byte("doc-a"), "a.pdf")
	require.NoError(t, err)

	result, err := env.pipeline.Answer(ctx, "content of page")
	require.NoError(t, err)

	assert.Equal(t, "synthesized", result.Answer)
	assert.Len(t, env.synthesizer.lastChunks, 2)
	assert.GreaterOrEqual(t, result.ProcessingTimeMS, 0)
}

// completenessSynthesizer records any call where a document is visible with
// only part of its chunks, which would mean a reader observed a half-applied
// write.
type completenessSynthesizer struct {
	chunksPerDoc int
	mu           sync.Mutex
	violations   []string
}

func (s *completenessSynthesizer) Synthesize(_ context.Context, _ string, chunks []models.RetrievedChunk) (*models.QueryResult, error) {
	perDoc := make(map[string]int)
	for _, rc := range chunks {
		perDoc[rc.Chunk.DocumentID]++
	}
	s.mu.Lock()
	for doc, n := range perDoc {
		if n != s.chunksPerDoc {
			s.violations = append(s.violations,
				fmt.Sprintf("document %s observed with %d of %d chunks", doc, n, s.chunksPerDoc))
		}
	}
	s.mu.Unlock()
	return &models.QueryResult{Answer: "ok", Citations: []models.Citation{}}, nil
}

func TestConcurrentAnswersNeverObservePartialWrites(t *testing.T) {
	// Retrieval wide enough to return every indexed chunk, so each query
	// sees the full corpus snapshot taken under the read lock. Every
	// document contributes exactly 4 chunks; any other count per document
	// means a reader raced a write.
	env := newTestEnv(t, 4, Config{TopKRetrieval: 1000, TopKRerank: 1000})
	ctx := context.Background()

	cs := &completenessSynthesizer{chunksPerDoc: 4}
	env.pipeline.synthesizer = cs

	_, err := env.pipeline.Ingest(ctx, []byte("base-doc"), "base.pdf")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 15; i++ {
			res, err := env.pipeline.Ingest(ctx, []byte(fmt.Sprintf("doc-%d", i)), fmt.Sprintf("d%d.pdf", i))
			if !assert.NoError(t, err) {
				return
			}
			if !assert.NoError(t, env.pipeline.Remove(ctx, res.DocumentID)) {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				_, err := env.pipeline.Answer(ctx, "content of page")
				if !assert.NoError(t, err) {
					return
				}
			}
		}()
	}

	<-done
	wg.Wait()

	assert.Empty(t, cs.violations)
	assert.NoError(t, env.pipeline.VerifyConsistency())
}

func TestAnswerFiltersByRelevanceFloor(t *testing.T) {
	// A floor above every possible score drops all candidates, so the
	// synthesizer sees the empty set and no generation happens on garbage.
	env := newTestEnv(t, 3, Config{TopKRetrieval: 20, TopKRerank: 5, MinRelevance: 1e9})
	ctx := context.Background()

	_, err := env.pipeline.Ingest(ctx, []byte("doc-a"), "a.pdf")
	require.NoError(t, err)

	_, err = env.pipeline.Answer(ctx, "content of page")
	require.NoError(t, err)

	assert.Empty(t, env.synthesizer.lastChunks)
}
