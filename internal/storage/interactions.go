package storage

import (
	"fmt"
	"time"
)

// SaveInteraction appends an interaction. seq keeps insertion order even when
// two rows share a timestamp.
func (s *Store) SaveInteraction(i Interaction) error {
	createdAt := i.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO interactions (id, seq, created_at, session_id, user_text, bot_text)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM interactions), ?, ?, ?, ?)`,
		i.ID, createdAt.UTC().Format(time.RFC3339Nano), i.SessionID, i.UserText, i.BotText,
	)
	if err != nil {
		return fmt.Errorf("saving interaction: %w", err)
	}
	return nil
}

// ListInteractions returns interactions oldest first. limit <= 0 means all.
func (s *Store) ListInteractions(limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, created_at, session_id, user_text, bot_text
		FROM interactions ORDER BY seq ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var (
			i         Interaction
			createdAt string
		)
		if err := rows.Scan(&i.ID, &createdAt, &i.SessionID, &i.UserText, &i.BotText); err != nil {
			return nil, err
		}
		if i.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at of interaction %s: %w", i.ID, err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ClearInteractions deletes every interaction.
func (s *Store) ClearInteractions() error {
	_, err := s.db.Exec(`DELETE FROM interactions`)
	return err
}
