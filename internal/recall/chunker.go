// Package recall indexes message text as embedding chunks and surfaces
// older conversation relevant to a new query.
package recall

import "github.com/parcelo/parcelobot/internal/token"

// Chunk is a token-aligned slice of a message. Start and End are token
// offsets into the original text.
type Chunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// SplitChunks cuts text into overlapping token windows. Overlap is clamped
// to half the chunk size so the stride stays positive, and the number of
// chunks is capped at maxChunks.
func SplitChunks(text string, size, overlap, maxChunks int) []Chunk {
	if size <= 0 {
		return nil
	}
	tokens := token.Encode(text)
	if len(tokens) == 0 {
		return nil
	}

	if overlap < 0 {
		overlap = 0
	}
	if overlap > size/2 {
		overlap = size / 2
	}
	step := size - overlap

	var chunks []Chunk
	for start := 0; start < len(tokens); start += step {
		end := start + size
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  token.Decode(tokens[start:end]),
			Start: start,
			End:   end,
		})
		if end == len(tokens) {
			break
		}
		if maxChunks > 0 && len(chunks) == maxChunks {
			break
		}
	}
	return chunks
}
