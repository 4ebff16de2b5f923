package indexer

import (
	"fmt"
	"strings"

	"docqa/internal/extractor"
	"docqa/internal/vectorstore"

	"github.com/tmc/langchaingo/textsplitter"
)

// Default chunking parameters. Chunks are large so that most pages land in
// one chunk and the model sees whole passages.
const (
	DefaultChunkSize    = 7500
	DefaultChunkOverlap = 100
)

// Splitter cuts pages into overlapping chunks, trying paragraph, line and
// word boundaries in that order.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
	rc           textsplitter.RecursiveCharacter
}

// NewSplitter returns a Splitter; zero values select the defaults.
func NewSplitter(chunkSize, chunkOverlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = DefaultChunkOverlap
		if chunkOverlap >= chunkSize {
			chunkOverlap = 0
		}
	}
	return &Splitter{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		rc: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
		),
	}
}

// Split chunks each page on its own so every chunk keeps its document and
// page number. IDs are "<doc>_p<page>_c<n>" with n counting across the call.
func (s *Splitter) Split(pages []extractor.Page) ([]vectorstore.Chunk, error) {
	var chunks []vectorstore.Chunk
	for _, page := range pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		parts, err := s.rc.SplitText(page.Text)
		if err != nil {
			return nil, fmt.Errorf("split %s page %d: %w", page.Document, page.PageNumber, err)
		}
		for _, text := range parts {
			if strings.TrimSpace(text) == "" {
				continue
			}
			chunks = append(chunks, vectorstore.Chunk{
				ID:         fmt.Sprintf("%s_p%d_c%d", page.Document, page.PageNumber, len(chunks)),
				Document:   page.Document,
				PageNumber: page.PageNumber,
				Text:       text,
			})
		}
	}
	return chunks, nil
}
