package persistence

import (
	"auto-trader-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// OpenBadger opens (or creates) a BadgerDB database with Badger's own logging disabled.
func OpenBadger(dbPath string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dbPath)
	// Errors are still returned from DB operations.
	opts.Logger = nil
	return badger.Open(opts)
}

// BadgerRepository is the BadgerDB implementation of the StateRepository.
type BadgerRepository struct {
	db       *badger.DB
	stateKey []byte
}

// NewBadgerRepository wraps an open database. Close closes the database.
func NewBadgerRepository(db *badger.DB) *BadgerRepository {
	return &BadgerRepository{
		db:       db,
		stateKey: []byte("trading_state"),
	}
}

// DB exposes the database so the history log can share it.
func (r *BadgerRepository) DB() *badger.DB {
	return r.db
}

// SaveState marshals the state and stores it under a single key in one transaction.
func (r *BadgerRepository) SaveState(state *models.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.stateKey, data)
	})
}

// LoadState returns (nil, nil) when no checkpoint has been written yet.
func (r *BadgerRepository) LoadState() (*models.State, error) {
	var state models.State

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.stateKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state.Strategies == nil {
		state.Strategies = make(map[string]*models.StrategyState)
	}
	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}
