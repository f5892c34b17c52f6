package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kalambet/docqa/internal/textnorm"
	"github.com/ledongthuc/pdf"
)

// ErrNoText is returned by an extractor that ran but found nothing usable.
var ErrNoText = errors.New("no usable text")

// Extractor turns a PDF into page texts. Implementations are tried in order
// by the Ingestor until one yields usable text.
type Extractor interface {
	Method() string
	Extract(ctx context.Context, path string) ([]Page, error)
}

// usable reports whether at least one page has non-blank text.
func usable(pages []Page) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

// StructuredExtractor reads the embedded text layer page by page.
type StructuredExtractor struct{}

func (StructuredExtractor) Method() string { return MethodStructured }

// Extract returns the text layer of every page after encoding repair. A
// malformed file that makes the PDF parser panic is reported as an error.
func (StructuredExtractor) Extract(ctx context.Context, path string) (pages []Page, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() == 0 {
		return nil, fmt.Errorf("empty file")
	}

	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	n := reader.NumPage()
	pages = make([]Page, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, Page{Number: i})
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, Page{Number: i, Text: textnorm.Fix(text)})
	}
	if !usable(pages) {
		return pages, ErrNoText
	}
	return pages, nil
}
