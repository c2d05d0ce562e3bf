package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/chunk"
	"github.com/docqa/backend/internal/extract"
	"github.com/docqa/backend/internal/index"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/utils"
)

// ErrConsistency marks a detected mismatch between the vector index and the
// document store. It is fatal for writes: the pipeline refuses further
// mutations until the state is repaired, and never drops data to self-heal.
var ErrConsistency = errors.New("index/document-store consistency violation")

// Extractor turns raw PDF bytes into per-page plain text.
type Extractor interface {
	Extract(data []byte) ([]extract.Page, error)
}

// Embedder maps text to fixed-length normalized vectors. The same model
// serves document and query embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
}

// Reranker re-scores coarse candidates jointly against the raw query.
type Reranker interface {
	Rescore(query string, candidates []models.RetrievedChunk) []models.RetrievedChunk
}

// Synthesizer produces the structured grounded answer from reranked chunks.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, chunks []models.RetrievedChunk) (*models.QueryResult, error)
}

// AnswerCache is an optional cache of answered questions.
type AnswerCache interface {
	GetAnswer(ctx context.Context, questionHash string) (*models.QueryResult, bool, error)
	SetAnswer(ctx context.Context, questionHash string, result *models.QueryResult) error
	Invalidate(ctx context.Context) error
}

type Config struct {
	IndexPath     string
	UploadsDir    string
	TopKRetrieval int
	TopKRerank    int
	MinRelevance  float64
}

// Pipeline owns the retrieval-augmented flow end to end: ingestion, query
// answering and deletion. Index and store mutations follow a single-writer /
// multiple-reader discipline: extraction, chunking and embedding run outside
// the lock, the final index add and store registration are serialized, and
// readers observe either the complete pre-write or complete post-write
// state.
type Pipeline struct {
	store       *sqlite.Client
	index       *index.Index
	extractor   Extractor
	chunker     *chunk.Chunker
	embedder    Embedder
	reranker    Reranker
	synthesizer Synthesizer
	cache       AnswerCache
	cfg         Config

	mu     sync.RWMutex
	halted bool
}

func New(
	store *sqlite.Client,
	ix *index.Index,
	extractor Extractor,
	chunker *chunk.Chunker,
	embedder Embedder,
	reranker Reranker,
	synthesizer Synthesizer,
	cache AnswerCache,
	cfg Config,
) *Pipeline {
	if cfg.TopKRetrieval <= 0 {
		cfg.TopKRetrieval = 20
	}
	if cfg.TopKRerank <= 0 || cfg.TopKRerank > cfg.TopKRetrieval {
		cfg.TopKRerank = 5
	}
	return &Pipeline{
		store:       store,
		index:       ix,
		extractor:   extractor,
		chunker:     chunker,
		embedder:    embedder,
		reranker:    reranker,
		synthesizer: synthesizer,
		cache:       cache,
		cfg:         cfg,
	}
}

// VerifyConsistency checks bidirectional completeness between the index and
// the store: every indexed chunk id has exactly one chunk record and vice
// versa. Run at startup after loading persisted state; a violation halts all
// writes.
func (p *Pipeline) VerifyConsistency() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	storeIDs, err := p.store.AllChunkIDs()
	if err != nil {
		return fmt.Errorf("failed to read store chunk ids: %w", err)
	}
	indexIDs := p.index.ChunkIDs()

	if len(storeIDs) != len(indexIDs) {
		p.halted = true
		return fmt.Errorf("%w: store has %d chunks, index has %d vectors",
			ErrConsistency, len(storeIDs), len(indexIDs))
	}

	inIndex := make(map[string]struct{}, len(indexIDs))
	for _, id := range indexIDs {
		inIndex[id] = struct{}{}
	}
	for _, id := range storeIDs {
		if _, ok := inIndex[id]; !ok {
			p.halted = true
			return fmt.Errorf("%w: chunk %s registered but not indexed", ErrConsistency, id)
		}
	}

	return nil
}

// Ingest runs the full upload path: extract, chunk, embed, then atomically
// register the document and add its vectors. Either the document lands
// completely or it leaves no trace.
func (p *Pipeline) Ingest(ctx context.Context, data []byte, filename string) (*models.IngestResult, error) {
	if err := p.writable(); err != nil {
		return nil, err
	}

	// Extraction, chunking and embedding touch no shared state and may run
	// concurrently across independent uploads.
	pages, err := p.extractor.Extract(data)
	if err != nil {
		return nil, err
	}

	chunks := p.chunker.Split(pages)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunkable text", extract.ErrExtraction)
	}

	docID := uuid.New().String()
	texts := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].ID = fmt.Sprintf("%s_chunk_%d", docID, i)
		chunks[i].DocumentID = docID
		chunks[i].DocumentName = filename
		texts[i] = chunks[i].Text
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d",
			len(vectors), len(chunks))
	}

	pageCount := 0
	for _, ch := range chunks {
		if ch.PageNumber > pageCount {
			pageCount = ch.PageNumber
		}
	}

	doc := &models.Document{
		ID:         docID,
		Filename:   filename,
		UploadTime: time.Now(),
		PageCount:  pageCount,
		ByteSize:   int64(len(data)),
		ChunkCount: len(chunks),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.halted {
		return nil, ErrConsistency
	}

	pdfPath, err := p.savePDF(docID, data)
	if err != nil {
		return nil, err
	}

	if err := p.store.RegisterDocument(doc, chunks); err != nil {
		p.removePDF(pdfPath)
		return nil, fmt.Errorf("failed to register document: %w", err)
	}

	added := make([]string, 0, len(chunks))
	for i, ch := range chunks {
		if err := p.index.Add(ch.ID, docID, vectors[i]); err != nil {
			p.rollbackIngest(docID, added, pdfPath)
			return nil, err
		}
		added = append(added, ch.ID)
	}

	if err := p.index.Save(p.cfg.IndexPath); err != nil {
		p.rollbackIngest(docID, added, pdfPath)
		return nil, fmt.Errorf("failed to persist index: %w", err)
	}

	if err := p.verifyCountsLocked(); err != nil {
		return nil, err
	}

	p.invalidateCache(ctx)

	metrics.DocumentsIngested.Inc()
	metrics.ChunksIndexed.Set(float64(p.index.Len()))

	logger.Info("Document ingested",
		zap.String("doc_id", docID),
		zap.String("filename", filename),
		zap.Int("pages", pageCount),
		zap.Int("chunks", len(chunks)),
	)

	return &models.IngestResult{
		DocumentID: docID,
		Filename:   filename,
		PageCount:  pageCount,
		ChunkCount: len(chunks),
	}, nil
}

// Answer runs the query path: embed the question, coarse-search the index,
// rerank, and synthesize a grounded answer. An empty corpus or an all-dropped
// candidate set yields the structured zero-confidence fallback without
// calling the generation service.
func (p *Pipeline) Answer(ctx context.Context, question string) (*models.QueryResult, error) {
	start := time.Now()
	questionHash := utils.HashString(question)

	if p.cache != nil {
		if cached, ok, err := p.cache.GetAnswer(ctx, questionHash); err == nil && ok {
			metrics.CacheHits.Inc()
			cached.ProcessingTimeMS = int(time.Since(start).Milliseconds())
			return cached, nil
		}
		metrics.CacheMisses.Inc()
	}

	p.mu.RLock()
	docCount, err := p.store.DocumentCount()
	p.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	var kept []models.RetrievedChunk
	if docCount > 0 {
		queryVec, err := p.embedder.Embed(ctx, question)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}

		candidates, err := p.retrieve(queryVec)
		if err != nil {
			return nil, err
		}

		rescored := p.reranker.Rescore(question, candidates)
		for _, rc := range rescored {
			if rc.Score < p.cfg.MinRelevance {
				continue
			}
			kept = append(kept, rc)
			if len(kept) == p.cfg.TopKRerank {
				break
			}
		}
	}

	result, err := p.synthesizer.Synthesize(ctx, question, kept)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	result.ProcessingTimeMS = int(time.Since(start).Milliseconds())

	if p.cache != nil {
		if err := p.cache.SetAnswer(ctx, questionHash, result); err != nil {
			logger.Warn("Failed to cache answer", zap.Error(err))
		}
	}

	metrics.QueriesTotal.WithLabelValues("ok").Inc()
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	metrics.ConfidenceScore.Observe(result.Confidence)

	logger.Info("Question answered",
		zap.Float64("confidence", result.Confidence),
		zap.Int("citations", len(result.Citations)),
		zap.Int("latency_ms", result.ProcessingTimeMS),
	)

	return result, nil
}

// retrieve performs the coarse search and chunk metadata lookup under the
// read lock, so a query never observes a partially applied write.
func (p *Pipeline) retrieve(queryVec []float32) ([]models.RetrievedChunk, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	hits, err := p.index.Search(queryVec, p.cfg.TopKRetrieval)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}

	chunkByID, err := p.store.GetChunks(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk metadata: %w", err)
	}

	candidates := make([]models.RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		ch, ok := chunkByID[h.ChunkID]
		if !ok {
			// Should be unreachable while the consistency invariant holds.
			logger.Error("Indexed chunk missing from store", zap.String("chunk_id", h.ChunkID))
			continue
		}
		candidates = append(candidates, models.RetrievedChunk{Chunk: ch, Score: h.Score})
	}

	return candidates, nil
}

// Remove deletes a document, its chunks and its vectors as one unit. The
// write lock is held across the whole removal: vectors go first, then the
// document record, so no reader sees a document without valid vectors.
func (p *Pipeline) Remove(ctx context.Context, documentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.halted {
		return ErrConsistency
	}

	if _, err := p.store.GetDocument(documentID); err != nil {
		return err
	}

	chunkIDs, err := p.store.ChunkIDsForDocument(documentID)
	if err != nil {
		return fmt.Errorf("failed to get chunk ids: %w", err)
	}

	p.index.Remove(chunkIDs)

	if err := p.store.UnregisterDocument(documentID); err != nil {
		// Vectors are gone from memory but the record remains; refusing
		// further writes beats silently diverging.
		p.halted = true
		return fmt.Errorf("%w: unregister failed after vector removal: %v", ErrConsistency, err)
	}

	if err := p.index.Save(p.cfg.IndexPath); err != nil {
		p.halted = true
		return fmt.Errorf("%w: index persist failed after removal: %v", ErrConsistency, err)
	}

	p.removePDF(p.pdfPath(documentID))
	p.invalidateCache(ctx)

	if err := p.verifyCountsLocked(); err != nil {
		return err
	}

	metrics.DocumentsDeleted.Inc()
	metrics.ChunksIndexed.Set(float64(p.index.Len()))

	logger.Info("Document removed",
		zap.String("doc_id", documentID),
		zap.Int("chunks", len(chunkIDs)),
	)

	return nil
}

// ListDocuments returns the registered documents, newest first.
func (p *Pipeline) ListDocuments() ([]models.Document, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store.ListDocuments()
}

func (p *Pipeline) writable() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.halted {
		return ErrConsistency
	}
	return nil
}

// verifyCountsLocked is the cheap post-mutation invariant check. A mismatch
// halts all further writes.
func (p *Pipeline) verifyCountsLocked() error {
	storeCount, err := p.store.TotalChunkCount()
	if err != nil {
		return fmt.Errorf("failed to count chunks: %w", err)
	}
	if storeCount != p.index.Len() {
		p.halted = true
		logger.Error("Consistency violation detected",
			zap.Int("store_chunks", storeCount),
			zap.Int("index_vectors", p.index.Len()),
		)
		return fmt.Errorf("%w: store has %d chunks, index has %d vectors",
			ErrConsistency, storeCount, p.index.Len())
	}
	return nil
}

func (p *Pipeline) rollbackIngest(docID string, added []string, pdfPath string) {
	p.index.Remove(added)
	if err := p.store.UnregisterDocument(docID); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
		logger.Error("Ingest rollback failed", zap.String("doc_id", docID), zap.Error(err))
		p.halted = true
		return
	}
	p.removePDF(pdfPath)
	logger.Warn("Ingestion rolled back", zap.String("doc_id", docID))
}

func (p *Pipeline) savePDF(docID string, data []byte) (string, error) {
	if p.cfg.UploadsDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(p.cfg.UploadsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create uploads directory: %w", err)
	}
	path := p.pdfPath(docID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save uploaded file: %w", err)
	}
	return path, nil
}

func (p *Pipeline) removePDF(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to remove uploaded file", zap.String("path", path), zap.Error(err))
	}
}

func (p *Pipeline) pdfPath(docID string) string {
	if p.cfg.UploadsDir == "" {
		return ""
	}
	return filepath.Join(p.cfg.UploadsDir, docID+".pdf")
}

func (p *Pipeline) invalidateCache(ctx context.Context) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Invalidate(ctx); err != nil {
		logger.Warn("Failed to invalidate answer cache", zap.Error(err))
	}
}
