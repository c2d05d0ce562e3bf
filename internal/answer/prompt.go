package answer

import (
	"fmt"
	"strings"

	"github.com/docqa/backend/internal/storage/models"
)

const systemPrompt = `You are a helpful assistant that answers questions based on provided document excerpts.

Your task is to:
1. Answer the question using ONLY the information from the provided sources
2. Cite your sources by referencing the source numbers [Source N]
3. If the sources don't contain enough information, say so clearly
4. Be concise but thorough

You MUST respond with a valid JSON object in this exact format:
{
    "answer": "Your detailed answer here with inline citations like [Source 1]",
    "confidence": 0.85,
    "citations": [
        {
            "source_number": 1,
            "relevance": "Brief explanation of why this source is relevant"
        }
    ]
}

The confidence score should be:
- 0.9-1.0: Answer is directly stated in sources
- 0.7-0.9: Answer can be inferred from sources
- 0.5-0.7: Partial information available
- Below 0.5: Limited relevant information

Always include at least one citation if you provide an answer.`

const strictFormatReminder = `

IMPORTANT: Your previous response was not valid JSON. Respond with ONLY a raw JSON object, no markdown, no prose outside the JSON, exactly matching the required schema with "answer", "confidence" and "citations" fields.`

// buildContext renders the reranked passages as numbered sources so the
// generator can reference them by index.
func buildContext(chunks []models.RetrievedChunk) string {
	var parts []string
	for i, rc := range chunks {
		parts = append(parts, fmt.Sprintf(
			"[Source %d] (Document: %s, Page: %d)\n%s\n",
			i+1, rc.Chunk.DocumentName, rc.Chunk.PageNumber, rc.Chunk.Text,
		))
	}
	return strings.Join(parts, "\n---\n")
}

func buildUserPrompt(question, context string) string {
	return fmt.Sprintf(`Question: %s

Sources:
%s

Please answer the question based on the sources above. Remember to respond with valid JSON.`, question, context)
}
