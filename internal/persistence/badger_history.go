package persistence

import (
	"auto-trader-go/internal/models"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

var historyPrefix = []byte("closed/")

// BadgerHistory stores each closed bundle under a key built from a monotonically
// increasing sequence, so iteration order is append order. The database itself
// is owned by the caller.
type BadgerHistory struct {
	db  *badger.DB
	seq *badger.Sequence
}

func NewBadgerHistory(db *badger.DB) (*BadgerHistory, error) {
	seq, err := db.GetSequence([]byte("closed_seq"), 64)
	if err != nil {
		return nil, fmt.Errorf("history sequence: %w", err)
	}
	return &BadgerHistory{db: db, seq: seq}, nil
}

func historyKey(n uint64) []byte {
	key := make([]byte, len(historyPrefix)+8)
	copy(key, historyPrefix)
	binary.BigEndian.PutUint64(key[len(historyPrefix):], n)
	return key
}

// Append writes the whole batch in one transaction.
func (h *BadgerHistory) Append(ctx context.Context, bundles []*models.Bundle) error {
	if len(bundles) == 0 {
		return nil
	}
	return h.db.Update(func(txn *badger.Txn) error {
		for _, b := range bundles {
			n, err := h.seq.Next()
			if err != nil {
				return err
			}
			data, err := json.Marshal(b)
			if err != nil {
				return err
			}
			if err := txn.Set(historyKey(n), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *BadgerHistory) ReadAll(ctx context.Context) ([]*models.Bundle, error) {
	var out []*models.Bundle
	err := h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = historyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var b models.Bundle
				if err := json.Unmarshal(val, &b); err != nil {
					return err
				}
				out = append(out, &b)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Close releases the sequence lease; it does not close the database.
func (h *BadgerHistory) Close() error {
	return h.seq.Release()
}
