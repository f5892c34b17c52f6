package chatlog

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/kalambet/docqa/internal/storage"
)

// StoreLog keeps the history in the SQLite interactions table.
type StoreLog struct {
	store *storage.Store
}

func NewStoreLog(store *storage.Store) *StoreLog {
	return &StoreLog{store: store}
}

func (l *StoreLog) Append(e Entry) error {
	err := l.store.SaveInteraction(storage.Interaction{
		ID:        uuid.New().String(),
		CreatedAt: e.Timestamp,
		SessionID: e.SessionID,
		UserText:  e.User,
		BotText:   e.Bot,
	})
	if err != nil {
		return fmt.Errorf("saving interaction: %w", err)
	}
	return nil
}

func (l *StoreLog) ReadAll() ([]Entry, error) {
	rows, err := l.store.ListInteractions(0)
	if err != nil {
		return nil, fmt.Errorf("listing interactions: %w", err)
	}
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = Entry{
			User:      r.UserText,
			Bot:       r.BotText,
			Timestamp: r.CreatedAt,
			SessionID: r.SessionID,
		}
	}
	return entries, nil
}

func (l *StoreLog) Clear() error {
	return l.store.ClearInteractions()
}
