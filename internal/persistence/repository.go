package persistence

import (
	"auto-trader-go/internal/models"
	"context"
)

// StateRepository defines the interface for checkpoint persistence.
// Every SaveState overwrites the previous checkpoint wholesale.
type StateRepository interface {
	// SaveState atomically saves the entire trading state.
	SaveState(state *models.State) error

	// LoadState loads the trading state from storage.
	// If no state is found, it should return (nil, nil).
	LoadState() (*models.State, error)

	// Close releases the underlying storage.
	Close() error
}

// HistoryLog is the append-only record of closed bundles.
// Entries are never rewritten once appended.
type HistoryLog interface {
	Append(ctx context.Context, bundles []*models.Bundle) error
	ReadAll(ctx context.Context) ([]*models.Bundle, error)
	Close() error
}
