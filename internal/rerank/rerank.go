package rerank

import (
	"sort"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

// LexicalReranker re-scores coarse candidates jointly against the raw query
// text. The score in [0,1] combines query-term coverage with a bigram
// adjacency bonus, computed over the (query, passage) pair rather than two
// independent vectors. Scoring is deterministic for a fixed input pair.
// Candidates from the same document or page survive independently.
type LexicalReranker struct{}

func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{}
}

// Rescore returns the candidates reordered by descending joint relevance.
// The input slice is not modified.
func (r *LexicalReranker) Rescore(query string, candidates []models.RetrievedChunk) []models.RetrievedChunk {
	queryTerms := tokenize(query)
	queryBigrams := bigrams(queryTerms)

	rescored := make([]models.RetrievedChunk, len(candidates))
	for i, cand := range candidates {
		rescored[i] = cand
		rescored[i].Score = score(queryTerms, queryBigrams, cand.Chunk.Text)
	}

	// Stable sort preserves the coarse ranking among equal rerank scores.
	sort.SliceStable(rescored, func(a, b int) bool {
		return rescored[a].Score > rescored[b].Score
	})

	logger.Debug("Candidates reranked",
		zap.Int("candidates", len(candidates)),
		zap.Int("query_terms", len(queryTerms)),
	)

	return rescored
}

func score(queryTerms []string, queryBigrams map[string]struct{}, passage string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}

	passageTerms := tokenize(passage)
	passageSet := make(map[string]struct{}, len(passageTerms))
	for _, t := range passageTerms {
		passageSet[t] = struct{}{}
	}

	querySet := make(map[string]struct{}, len(queryTerms))
	for _, t := range queryTerms {
		querySet[t] = struct{}{}
	}

	matched := 0
	for t := range querySet {
		if _, ok := passageSet[t]; ok {
			matched++
		}
	}
	coverage := float64(matched) / float64(len(querySet))

	bigramHits := 0
	if len(queryBigrams) > 0 {
		for bg := range bigrams(passageTerms) {
			if _, ok := queryBigrams[bg]; ok {
				bigramHits++
			}
		}
	}
	var adjacency float64
	if len(queryBigrams) > 0 {
		adjacency = float64(bigramHits) / float64(len(queryBigrams))
	}

	s := 0.85*coverage + 0.15*adjacency
	if s > 1 {
		s = 1
	}
	return s
}

// tokenize lowercases and splits text into content terms, dropping
// punctuation, numbers-only tokens and common function words.
func tokenize(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		// Tokenization of arbitrary text should not fail; fall back to a
		// whitespace split so reranking still functions.
		return fallbackTokens(text)
	}

	var terms []string
	for _, tok := range doc.Tokens() {
		t := normalizeTerm(tok.Text)
		if t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

func fallbackTokens(text string) []string {
	var terms []string
	for _, f := range strings.Fields(text) {
		t := normalizeTerm(f)
		if t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

func normalizeTerm(raw string) string {
	t := strings.ToLower(strings.TrimFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
	if len(t) < 2 {
		return ""
	}
	if _, stop := stopwords[t]; stop {
		return ""
	}
	return t
}

func bigrams(terms []string) map[string]struct{} {
	out := make(map[string]struct{})
	for i := 0; i+1 < len(terms); i++ {
		out[terms[i]+" "+terms[i+1]] = struct{}{}
	}
	return out
}

var stopwords = map[string]struct{}{
	"the": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {},
	"been": {}, "to": {}, "of": {}, "and": {}, "or": {}, "in": {},
	"on": {}, "at": {}, "for": {}, "with": {}, "by": {}, "an": {},
	"as": {}, "it": {}, "its": {}, "this": {}, "that": {}, "these": {},
	"those": {}, "from": {}, "what": {}, "which": {}, "who": {},
	"how": {}, "when": {}, "where": {}, "why": {}, "do": {}, "does": {},
	"did": {}, "can": {}, "could": {}, "will": {}, "would": {},
	"should": {}, "there": {}, "their": {}, "they": {}, "has": {},
	"have": {}, "had": {}, "not": {}, "no": {}, "but": {}, "if": {},
	"about": {}, "into": {}, "than": {}, "then": {}, "so": {}, "such": {},
}
