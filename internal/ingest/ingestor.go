package ingest

import (
	"context"
	"errors"
	"log/slog"
)

// FileReport summarizes what happened to one document.
type FileReport struct {
	Path   string `json:"path"`
	Method string `json:"method,omitempty"`
	Pages  int    `json:"pages"`
	Chunks int    `json:"chunks"`
	Err    error  `json:"-"`
}

// Ingestor converts PDFs into chunks by trying its extractors in order.
type Ingestor struct {
	extractors []Extractor
	chunker    Chunker
	logger     *slog.Logger
}

// NewIngestor creates an Ingestor. With no extractors the default order is
// structured extraction followed by OCR with default settings.
func NewIngestor(chunker Chunker, extractors ...Extractor) *Ingestor {
	if len(extractors) == 0 {
		extractors = []Extractor{StructuredExtractor{}, NewOCRExtractor(0, "")}
	}
	return &Ingestor{
		extractors: extractors,
		chunker:    chunker,
		logger:     slog.Default(),
	}
}

// Ingest returns the chunks of the document at path. It never fails: a
// document nothing can read yields no chunks and the cause is logged.
func (in *Ingestor) Ingest(ctx context.Context, path string) []Chunk {
	chunks, _ := in.IngestFile(ctx, path)
	return chunks
}

// IngestFile is Ingest plus a report of the method used and any failure.
func (in *Ingestor) IngestFile(ctx context.Context, path string) ([]Chunk, FileReport) {
	return in.ingestAs(ctx, path, path)
}

// ingestAs reads the document at path and labels its chunks with source.
func (in *Ingestor) ingestAs(ctx context.Context, path, source string) ([]Chunk, FileReport) {
	report := FileReport{Path: path}
	var last error
	for _, ex := range in.extractors {
		pages, err := ex.Extract(ctx, path)
		if err == nil && usable(pages) {
			chunks := in.chunker.Chunks(source, ex.Method(), pages)
			report.Method = ex.Method()
			report.Pages = len(pages)
			report.Chunks = len(chunks)
			in.logger.Debug("document ingested", "path", path, "method", ex.Method(), "pages", len(pages), "chunks", len(chunks))
			return chunks, report
		}
		if err == nil {
			err = ErrNoText
		}
		last = &IngestionError{Path: path, Stage: ex.Method(), Err: err}
		if ctx.Err() != nil {
			break
		}
		if !errors.Is(err, ErrNoText) {
			in.logger.Warn("extraction failed", "path", path, "method", ex.Method(), "error", err)
		} else {
			in.logger.Debug("no text extracted", "path", path, "method", ex.Method())
		}
	}
	if last == nil {
		last = &IngestionError{Path: path, Stage: "open", Err: ErrNoText}
	}
	report.Err = last
	in.logger.Warn("document skipped", "path", path, "error", last)
	return nil, report
}
