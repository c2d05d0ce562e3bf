package rerank

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/storage/models"
)

func candidate(id, text string, score float64) models.RetrievedChunk {
	return models.RetrievedChunk{
		Chunk: models.Chunk{ID: id, DocumentID: "d1", Text: text},
		Score: score,
	}
}

func TestRescoreRecoversRelevantPassage(t *testing.T) {
	query := "What is the maximum retry backoff interval?"

	// 20 coarse candidates with the single on-topic passage at coarse rank
	// 15; after reranking it must land in the top 5.
	filler := []string{
		"The deployment pipeline runs nightly and produces build artifacts.",
		"Configuration values are read from environment variables at startup.",
		"Sessions expire after a fixed period of user inactivity.",
		"All timestamps are stored in UTC and rendered in local time.",
	}
	var candidates []models.RetrievedChunk
	for i := 0; i < 20; i++ {
		text := filler[i%len(filler)]
		if i == 14 {
			text = "The maximum retry backoff interval defaults to thirty seconds."
		}
		candidates = append(candidates,
			candidate(fmt.Sprintf("c%d", i+1), text, 0.9-float64(i)*0.01))
	}

	r := NewLexicalReranker()
	rescored := r.Rescore(query, candidates)

	require.Len(t, rescored, 20)
	top5 := make([]string, 5)
	for i := range top5 {
		top5[i] = rescored[i].Chunk.ID
	}
	assert.Contains(t, top5, "c15")
	assert.Equal(t, "c15", rescored[0].Chunk.ID)
}

func TestRescoreScoreRange(t *testing.T) {
	query := "retry backoff interval"
	candidates := []models.RetrievedChunk{
		candidate("c1", "retry backoff interval retry backoff interval", 0.5),
		candidate("c2", "completely unrelated gardening advice about tulips", 0.5),
		candidate("c3", "", 0.5),
	}

	r := NewLexicalReranker()
	rescored := r.Rescore(query, candidates)

	for _, rc := range rescored {
		assert.GreaterOrEqual(t, rc.Score, 0.0)
		assert.LessOrEqual(t, rc.Score, 1.0)
	}
}

func TestRescoreDeterministic(t *testing.T) {
	query := "database schema migration"
	candidates := []models.RetrievedChunk{
		candidate("c1", "The schema migration runs before the database accepts writes.", 0.7),
		candidate("c2", "Migrations are versioned files applied in order.", 0.6),
	}

	r := NewLexicalReranker()
	first := r.Rescore(query, candidates)
	second := r.Rescore(query, candidates)

	assert.Equal(t, first, second)
}

func TestRescoreDoesNotModifyInput(t *testing.T) {
	candidates := []models.RetrievedChunk{
		candidate("c1", "some passage text", 0.42),
	}

	r := NewLexicalReranker()
	r.Rescore("passage", candidates)

	assert.Equal(t, 0.42, candidates[0].Score)
}

func TestRescoreTiesKeepCoarseOrder(t *testing.T) {
	// Identical passages score identically; the stable sort must keep the
	// coarse ranking between them.
	candidates := []models.RetrievedChunk{
		candidate("coarse-first", "identical passage text here", 0.9),
		candidate("coarse-second", "identical passage text here", 0.8),
	}

	r := NewLexicalReranker()
	rescored := r.Rescore("identical passage", candidates)

	require.Len(t, rescored, 2)
	assert.Equal(t, "coarse-first", rescored[0].Chunk.ID)
	assert.Equal(t, "coarse-second", rescored[1].Chunk.ID)
}

func TestRescoreSameDocumentSurvivesIndependently(t *testing.T) {
	query := "vector index persistence"
	candidates := []models.RetrievedChunk{
		candidate("c1", "The vector index persistence layer writes a snapshot.", 0.9),
		candidate("c2", "Snapshots of the vector index are persisted atomically.", 0.8),
	}
	candidates[1].Chunk.DocumentID = candidates[0].Chunk.DocumentID

	r := NewLexicalReranker()
	rescored := r.Rescore(query, candidates)

	require.Len(t, rescored, 2)
	assert.Positive(t, rescored[0].Score)
	assert.Positive(t, rescored[1].Score)
}

func TestRescoreEmptyCandidates(t *testing.T) {
	r := NewLexicalReranker()
	rescored := r.Rescore("anything", nil)
	assert.Empty(t, rescored)
}
