package models

import "time"

// Document is the authoritative record for one uploaded PDF.
type Document struct {
	ID         string
	Filename   string
	UploadTime time.Time
	PageCount  int
	ByteSize   int64
	ChunkCount int
}

// Chunk is a contiguous span of a page's extracted text, the atomic unit
// of retrieval. CharStart/CharEnd index into the page text so that
// Text == pageText[CharStart:CharEnd].
type Chunk struct {
	ID           string
	DocumentID   string
	DocumentName string
	PageNumber   int
	ChunkIndex   int
	CharStart    int
	CharEnd      int
	Text         string
}

// RetrievedChunk pairs a chunk with a relevance score. The score comes from
// the coarse vector search first and is replaced by the reranker.
type RetrievedChunk struct {
	Chunk Chunk
	Score float64
}

// Citation points a claim in a generated answer back to a document page.
type Citation struct {
	DocumentName   string  `json:"document_name"`
	PageNumber     int     `json:"page_number"`
	TextExcerpt    string  `json:"text_excerpt"`
	RelevanceScore float64 `json:"relevance_score"`
}

// QueryResult is the structured outcome of one answered question.
type QueryResult struct {
	Answer           string     `json:"answer"`
	Confidence       float64    `json:"confidence"`
	Citations        []Citation `json:"citations"`
	ProcessingTimeMS int        `json:"processing_time_ms"`
}

// IngestResult summarizes a successful document ingestion.
type IngestResult struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	PageCount  int    `json:"page_count"`
	ChunkCount int    `json:"chunk_count"`
}
