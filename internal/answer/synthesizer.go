package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

// ErrGenerationFormat is returned when the generation service produced
// output that could not be parsed into the structured answer contract, even
// after the single stricter-format retry.
var ErrGenerationFormat = errors.New("generation output not parseable")

// InsufficientInfoAnswer is returned verbatim when retrieval produced no
// usable passages.
const InsufficientInfoAnswer = "I don't have enough information in the uploaded documents to answer this question."

const excerptLength = 200

// Generator is the opaque text-generation service: one prompt in, raw text
// out. Implemented by llm.Client.
type Generator interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Synthesizer builds a grounding prompt from reranked passages, invokes the
// generator once per query, and parses its output into a structured result.
type Synthesizer struct {
	gen Generator
}

func NewSynthesizer(gen Generator) *Synthesizer {
	return &Synthesizer{gen: gen}
}

// generatorResponse is the JSON contract the prompt demands from the model.
type generatorResponse struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Citations  []struct {
		SourceNumber int    `json:"source_number"`
		Relevance    string `json:"relevance"`
	} `json:"citations"`
}

// Synthesize answers the question from the supplied passages. With zero
// passages it short-circuits to the insufficient-information answer without
// calling the generator. A response that fails parsing is retried once with
// a stricter formatting instruction, then fails with ErrGenerationFormat.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, chunks []models.RetrievedChunk) (*models.QueryResult, error) {
	if len(chunks) == 0 {
		return &models.QueryResult{
			Answer:     InsufficientInfoAnswer,
			Confidence: 0,
			Citations:  []models.Citation{},
		}, nil
	}

	grounding := buildContext(chunks)
	userPrompt := buildUserPrompt(question, grounding)

	raw, err := s.gen.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	parsed, perr := parseResponse(raw)
	if perr != nil {
		logger.Warn("Generator output unparseable, retrying with strict format",
			zap.Error(perr),
		)
		raw, err = s.gen.Complete(ctx, systemPrompt, userPrompt+strictFormatReminder)
		if err != nil {
			return nil, fmt.Errorf("generation retry failed: %w", err)
		}
		parsed, perr = parseResponse(raw)
		if perr != nil {
			return nil, fmt.Errorf("%w: %v", ErrGenerationFormat, perr)
		}
	}

	result := &models.QueryResult{
		Answer:     parsed.Answer,
		Confidence: clamp01(parsed.Confidence),
		Citations:  buildCitations(parsed, chunks),
	}

	logger.Info("Answer synthesized",
		zap.Float64("confidence", result.Confidence),
		zap.Int("citations", len(result.Citations)),
	)

	return result, nil
}

// parseResponse decodes the generator's raw text into the structured
// contract, tolerating markdown code fences around the JSON body.
func parseResponse(raw string) (*generatorResponse, error) {
	body := stripFences(strings.TrimSpace(raw))
	if body == "" {
		return nil, fmt.Errorf("empty response")
	}

	var resp generatorResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if strings.TrimSpace(resp.Answer) == "" {
		return nil, fmt.Errorf("response missing answer field")
	}
	return &resp, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// buildCitations resolves the model's source references back to chunks. When
// the model cited nothing usable, the top chunks stand in so an answer never
// arrives without provenance.
func buildCitations(resp *generatorResponse, chunks []models.RetrievedChunk) []models.Citation {
	citations := make([]models.Citation, 0, len(resp.Citations))
	seen := make(map[int]struct{})

	for _, ref := range resp.Citations {
		idx := ref.SourceNumber - 1
		if idx < 0 || idx >= len(chunks) {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		citations = append(citations, citationFromChunk(chunks[idx]))
	}

	if len(citations) == 0 {
		limit := 3
		if limit > len(chunks) {
			limit = len(chunks)
		}
		for _, rc := range chunks[:limit] {
			citations = append(citations, citationFromChunk(rc))
		}
	}

	return citations
}

func citationFromChunk(rc models.RetrievedChunk) models.Citation {
	excerpt := rc.Chunk.Text
	if len(excerpt) > excerptLength {
		cut := excerptLength
		for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut] + "..."
	}
	return models.Citation{
		DocumentName:   rc.Chunk.DocumentName,
		PageNumber:     rc.Chunk.PageNumber,
		TextExcerpt:    excerpt,
		RelevanceScore: rc.Score,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
