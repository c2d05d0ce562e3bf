package answer

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/storage/models"
)

type fakeGenerator struct {
	responses []string
	errs      []error
	prompts   []string
	calls     int
}

func (f *fakeGenerator) Complete(_ context.Context, _, userPrompt string) (string, error) {
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, userPrompt)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], err
	}
	return "", err
}

func testChunks(n int) []models.RetrievedChunk {
	chunks := make([]models.RetrievedChunk, n)
	for i := range chunks {
		chunks[i] = models.RetrievedChunk{
			Chunk: models.Chunk{
				ID:           "c" + string(rune('1'+i)),
				DocumentID:   "d1",
				DocumentName: "report.pdf",
				PageNumber:   i + 1,
				Text:         "Passage text number " + string(rune('1'+i)) + ".",
			},
			Score: 0.9 - float64(i)*0.1,
		}
	}
	return chunks
}

func TestSynthesizeParsesResponse(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`{"answer": "The limit is 30 seconds.", "confidence": 0.82,
		  "citations": [{"source_number": 2, "relevance": "states the limit"}]}`,
	}}
	s := NewSynthesizer(gen)

	result, err := s.Synthesize(context.Background(), "what is the limit?", testChunks(3))

	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, "The limit is 30 seconds.", result.Answer)
	assert.InDelta(t, 0.82, result.Confidence, 1e-9)
	require.Len(t, result.Citations, 1)
	assert.Equal(t, "report.pdf", result.Citations[0].DocumentName)
	assert.Equal(t, 2, result.Citations[0].PageNumber)
}

func TestSynthesizeStripsMarkdownFences(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		"```json\n{\"answer\": \"Fenced answer.\", \"confidence\": 0.5, \"citations\": []}\n```",
	}}
	s := NewSynthesizer(gen)

	result, err := s.Synthesize(context.Background(), "q", testChunks(1))

	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, "Fenced answer.", result.Answer)
}

func TestSynthesizeRetriesOnceWithStrictFormat(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		"Sure! Here is my answer in plain prose.",
		`{"answer": "Recovered.", "confidence": 0.6, "citations": []}`,
	}}
	s := NewSynthesizer(gen)

	result, err := s.Synthesize(context.Background(), "q", testChunks(2))

	require.NoError(t, err)
	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, "Recovered.", result.Answer)
	assert.Contains(t, gen.prompts[1], strings.TrimSpace(strictFormatReminder))
}

func TestSynthesizeFailsAfterSecondBadResponse(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		"not json",
		"still not json",
	}}
	s := NewSynthesizer(gen)

	_, err := s.Synthesize(context.Background(), "q", testChunks(2))

	assert.ErrorIs(t, err, ErrGenerationFormat)
	assert.Equal(t, 2, gen.calls)
}

func TestSynthesizeZeroChunksSkipsGenerator(t *testing.T) {
	gen := &fakeGenerator{}
	s := NewSynthesizer(gen)

	result, err := s.Synthesize(context.Background(), "q", nil)

	require.NoError(t, err)
	assert.Equal(t, 0, gen.calls)
	assert.Equal(t, InsufficientInfoAnswer, result.Answer)
	assert.Zero(t, result.Confidence)
	assert.Empty(t, result.Citations)
}

func TestSynthesizeCitationFallback(t *testing.T) {
	// A model response without usable citations still yields provenance
	// from the top retrieved passages.
	gen := &fakeGenerator{responses: []string{
		`{"answer": "An answer.", "confidence": 0.7,
		  "citations": [{"source_number": 99, "relevance": "out of range"}]}`,
	}}
	s := NewSynthesizer(gen)

	result, err := s.Synthesize(context.Background(), "q", testChunks(5))

	require.NoError(t, err)
	require.Len(t, result.Citations, 3)
	assert.Equal(t, 1, result.Citations[0].PageNumber)
	assert.Equal(t, 2, result.Citations[1].PageNumber)
	assert.Equal(t, 3, result.Citations[2].PageNumber)
}

func TestSynthesizeDeduplicatesCitations(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`{"answer": "An answer.", "confidence": 0.7,
		  "citations": [
		    {"source_number": 1, "relevance": "a"},
		    {"source_number": 1, "relevance": "b"},
		    {"source_number": 2, "relevance": "c"}
		  ]}`,
	}}
	s := NewSynthesizer(gen)

	result, err := s.Synthesize(context.Background(), "q", testChunks(3))

	require.NoError(t, err)
	assert.Len(t, result.Citations, 2)
}

func TestSynthesizeClampsConfidence(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`{"answer": "Overconfident.", "confidence": 1.7, "citations": []}`,
	}}
	s := NewSynthesizer(gen)

	result, err := s.Synthesize(context.Background(), "q", testChunks(1))

	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestSynthesizeTruncatesLongExcerpts(t *testing.T) {
	chunks := testChunks(1)
	chunks[0].Chunk.Text = strings.Repeat("x", 500)
	gen := &fakeGenerator{responses: []string{
		`{"answer": "An answer.", "confidence": 0.5,
		  "citations": [{"source_number": 1, "relevance": "long"}]}`,
	}}
	s := NewSynthesizer(gen)

	result, err := s.Synthesize(context.Background(), "q", chunks)

	require.NoError(t, err)
	require.Len(t, result.Citations, 1)
	assert.Len(t, result.Citations[0].TextExcerpt, excerptLength+3)
	assert.True(t, strings.HasSuffix(result.Citations[0].TextExcerpt, "..."))
}

func TestSynthesizeExcerptKeepsRuneBoundaries(t *testing.T) {
	// 100 three-byte runes: the 200-byte truncation point lands mid-rune
	// and must back off instead of tearing it.
	chunks := testChunks(1)
	chunks[0].Chunk.Text = strings.Repeat("€", 100)
	gen := &fakeGenerator{responses: []string{
		`{"answer": "An answer.", "confidence": 0.5,
		  "citations": [{"source_number": 1, "relevance": "long"}]}`,
	}}
	s := NewSynthesizer(gen)

	result, err := s.Synthesize(context.Background(), "q", chunks)

	require.NoError(t, err)
	require.Len(t, result.Citations, 1)
	excerpt := result.Citations[0].TextExcerpt
	assert.True(t, utf8.ValidString(excerpt))
	assert.True(t, strings.HasSuffix(excerpt, "..."))
	assert.LessOrEqual(t, len(excerpt), excerptLength+3)
}
