package ingest

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Extraction methods recorded on every chunk.
const (
	MethodStructured = "structured"
	MethodOCR        = "ocr"
)

// Default window parameters, in characters.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// pageSeparator joins page texts before windowing.
const pageSeparator = "\n\n"

// chunkNamespace scopes deterministic chunk ids.
var chunkNamespace = uuid.MustParse("6f1b7c1e-4f0e-4b7a-9a43-2d2f8c7e51a0")

// Chunk is a bounded span of extracted text plus its provenance. Chunks are
// values; nothing downstream mutates them.
type Chunk struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Source      string `json:"source"`
	Page        int    `json:"page"`
	EndPage     int    `json:"end_page"`
	StartOffset int    `json:"start_offset"`
	Method      string `json:"method"`
}

// Page is the text of one 1-based document page.
type Page struct {
	Number int
	Text   string
}

// Chunker splits text into fixed-size overlapping windows.
type Chunker struct {
	Size    int
	Overlap int
}

// NewChunker returns a Chunker, falling back to the defaults for
// out-of-range values.
func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}
	return Chunker{Size: size, Overlap: overlap}
}

// Window is one span produced by Split. Start counts characters (runes).
type Window struct {
	Text  string
	Start int
}

// Split cuts text into windows of c.Size characters, each starting
// c.Size-c.Overlap characters after the previous one. Windows made only of
// whitespace are dropped. Text shorter than one window yields a single
// window at offset 0.
func (c Chunker) Split(text string) []Window {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := c.Size - c.Overlap
	var out []Window
	for start := 0; start < len(runes); start += step {
		end := min(start+c.Size, len(runes))
		w := runes[start:end]
		if !blank(w) {
			out = append(out, Window{Text: string(w), Start: start})
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// Chunks joins the pages of source and splits the result. Each chunk carries
// the page its window starts on and the page it ends on.
func (c Chunker) Chunks(source, method string, pages []Page) []Chunk {
	var (
		b      strings.Builder
		starts []int // rune offset where each page begins
		pos    int
	)
	for i, p := range pages {
		if i > 0 {
			b.WriteString(pageSeparator)
			pos += len([]rune(pageSeparator))
		}
		starts = append(starts, pos)
		b.WriteString(p.Text)
		pos += len([]rune(p.Text))
	}

	windows := c.Split(b.String())
	chunks := make([]Chunk, 0, len(windows))
	for _, w := range windows {
		end := w.Start + len([]rune(w.Text)) - 1
		chunks = append(chunks, Chunk{
			ID:          uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s\x00%d\x00%s", source, w.Start, w.Text))).String(),
			Text:        w.Text,
			Source:      source,
			Page:        pageAt(pages, starts, w.Start),
			EndPage:     pageAt(pages, starts, end),
			StartOffset: w.Start,
			Method:      method,
		})
	}
	return chunks
}

func pageAt(pages []Page, starts []int, offset int) int {
	n := 0
	for i, s := range starts {
		if s > offset {
			break
		}
		n = i
	}
	return pages[n].Number
}

func blank(rs []rune) bool {
	for _, r := range rs {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
