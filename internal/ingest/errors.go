package ingest

import "fmt"

// IngestionError records why a document produced no chunks. Ingest never
// returns it; it is logged and surfaced in the per-file report.
type IngestionError struct {
	Path  string
	Stage string // "open", "structured", "ocr"
	Err   error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingesting %s (%s): %v", e.Path, e.Stage, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }
