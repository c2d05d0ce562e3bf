package chunk

import (
	"unicode/utf8"

	"github.com/docqa/backend/internal/extract"
	"github.com/docqa/backend/internal/storage/models"
)

// Chunker splits per-page text into overlapping passages with stable
// character offsets. Splits happen preferentially at sentence boundaries and
// fall back to hard cuts when a page has no boundary inside the target
// window. Every produced chunk satisfies
// Text == pageText[CharStart:CharEnd] exactly.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 512
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 10
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split chunks every page and returns the chunks in page order with
// per-document chunk indices. ID, DocumentID and DocumentName are left for
// the caller to assign.
func (c *Chunker) Split(pages []extract.Page) []models.Chunk {
	var chunks []models.Chunk
	for _, page := range pages {
		for _, s := range c.splitPage(page.Text) {
			chunks = append(chunks, models.Chunk{
				PageNumber: page.Number,
				ChunkIndex: len(chunks),
				CharStart:  s.start,
				CharEnd:    s.end,
				Text:       page.Text[s.start:s.end],
			})
		}
	}
	return chunks
}

type span struct {
	start int
	end   int
}

// splitPage produces spans with monotonically increasing starts. Consecutive
// spans overlap by the configured window so no sentence shorter than the
// chunk size is split without one chunk containing it whole.
func (c *Chunker) splitPage(text string) []span {
	if len(text) == 0 {
		return nil
	}

	var spans []span
	start := 0

	for {
		// Skip leading spaces so chunks begin on content. Offsets stay
		// exact because the slice bounds move together.
		for start < len(text) && text[start] == ' ' {
			start++
		}
		if start >= len(text) {
			break
		}

		if len(text)-start <= c.size {
			spans = append(spans, span{start: start, end: len(text)})
			break
		}

		end := start + c.size
		if cut := sentenceCut(text, start+c.size/2, end); cut > 0 {
			end = cut
		} else {
			// Hard cuts land on byte offsets; back off so a multi-byte
			// rune is never split across chunks.
			end = runeBoundary(text, end, start)
		}

		spans = append(spans, span{start: start, end: end})

		next := runeBoundary(text, end-c.overlap, start)
		if next <= start {
			next = start + utf8Advance(text, start)
		}
		start = next
	}

	return spans
}

// runeBoundary backs pos off to the nearest rune start at or before it,
// never crossing lo.
func runeBoundary(text string, pos, lo int) int {
	for pos > lo && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}

// utf8Advance returns the byte length of the rune starting at pos, so a
// forced one-rune step of progress stays on a boundary.
func utf8Advance(text string, pos int) int {
	_, n := utf8.DecodeRuneInString(text[pos:])
	if n <= 0 {
		return 1
	}
	return n
}

// sentenceCut scans backward from end to lo for a sentence terminator and
// returns the position just after it, or 0 when the window has none.
func sentenceCut(text string, lo, end int) int {
	for i := end; i > lo; i-- {
		switch text[i-1] {
		case '.', '!', '?':
			return i
		}
	}
	return 0
}

// MaxChunkSize reports the upper bound on the length of any produced chunk.
func (c *Chunker) MaxChunkSize() int {
	return c.size
}

// Overlap reports the configured overlap window in characters.
func (c *Chunker) Overlap() int {
	return c.overlap
}
