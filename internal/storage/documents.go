package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const documentColumns = `path, method, pages, chunks, error, generation, indexed_at`

// ReplaceDocuments swaps the whole manifest for docs in one transaction.
func (s *Store) ReplaceDocuments(docs []Document) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning manifest transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM documents`); err != nil {
		return fmt.Errorf("clearing documents: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO documents (` + documentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing document insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, d := range docs {
		indexedAt := d.IndexedAt
		if indexedAt.IsZero() {
			indexedAt = now
		}
		if _, err := stmt.Exec(d.Path, d.Method, d.Pages, d.Chunks, d.Error, d.Generation,
			indexedAt.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("inserting document %s: %w", d.Path, err)
		}
	}
	return tx.Commit()
}

// ListDocuments returns the manifest ordered by path.
func (s *Store) ListDocuments() ([]Document, error) {
	rows, err := s.db.Query(`SELECT ` + documentColumns + ` FROM documents ORDER BY path ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetDocument(path string) (Document, error) {
	d, err := scanDocument(s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

func scanDocument(sc scanner) (Document, error) {
	var (
		d         Document
		indexedAt string
	)
	if err := sc.Scan(&d.Path, &d.Method, &d.Pages, &d.Chunks, &d.Error, &d.Generation, &indexedAt); err != nil {
		return Document{}, err
	}
	t, err := time.Parse(time.RFC3339, indexedAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing indexed_at of %s: %w", d.Path, err)
	}
	d.IndexedAt = t
	return d, nil
}
