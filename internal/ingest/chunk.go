package ingest

import "strings"

const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 64
)

// chunkText splits text into overlapping windows of runes. Blank windows
// are dropped.
func chunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 2
	}
	runes := []rune(text)
	var chunks []string
	for i := 0; i < len(runes); i += size - overlap {
		end := min(i+size, len(runes))
		if chunk := string(runes[i:end]); strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
