package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/yhpark/custodex/pkg/dex/book"
	"github.com/yhpark/custodex/pkg/dex/engine"
	"github.com/yhpark/custodex/pkg/dex/ledger"
	"github.com/yhpark/custodex/pkg/dex/token"
)

// PebbleStore persists engine state with JSON values. Mutating
// requests commit through a single pebble batch, so one request's
// effects reach disk atomically.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) a pebble database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// SaveToken persists one registered token at its registration index.
func (s *PebbleStore) SaveToken(t token.Token, index int) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := s.db.Set(tokenKey(index), data, pebble.Sync); err != nil {
		return fmt.Errorf("save token %s: %w", t.Ticker, err)
	}
	return nil
}

// NewBatch starts a request-scoped atomic batch.
func (s *PebbleStore) NewBatch() engine.StoreBatch {
	return &pebbleBatch{batch: s.db.NewBatch()}
}

type pebbleBatch struct {
	batch *pebble.Batch
}

func (b *pebbleBatch) SaveBalance(e ledger.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.batch.Set(balanceKey(e.Ticker, e.Trader), data, nil)
}

func (b *pebbleBatch) SaveOrder(o book.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return b.batch.Set(orderKey(o.Ticker, o.ID), data, nil)
}

func (b *pebbleBatch) DeleteOrder(ticker string, id uint64) error {
	return b.batch.Delete(orderKey(ticker, id), nil)
}

func (b *pebbleBatch) SaveTrade(t engine.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.batch.Set(tradeKey(t.Ticker, t.Timestamp, t.ID), data, nil)
}

func (b *pebbleBatch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

func (b *pebbleBatch) Close() error {
	return b.batch.Close()
}

// Load reads back all persisted tokens (registration order), balances
// and resting orders for engine.Restore at startup.
func (s *PebbleStore) Load() (tokens []token.Token, balances []ledger.Entry, orders []book.Order, err error) {
	scan := func(prefix string, fn func(val []byte) error) error {
		lower := []byte(prefix)
		iter, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: lower,
			UpperBound: keyUpperBound(lower),
		})
		if err != nil {
			return err
		}
		defer iter.Close()

		for iter.First(); iter.Valid(); iter.Next() {
			if err := fn(iter.Value()); err != nil {
				return err
			}
		}
		return iter.Error()
	}

	err = scan(prefixToken, func(val []byte) error {
		var t token.Token
		if err := json.Unmarshal(val, &t); err != nil {
			return fmt.Errorf("decode token: %w", err)
		}
		tokens = append(tokens, t)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	err = scan(prefixBalance, func(val []byte) error {
		var e ledger.Entry
		if err := json.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("decode balance: %w", err)
		}
		if e.Amount > 0 {
			balances = append(balances, e)
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	err = scan(prefixOrder, func(val []byte) error {
		var o book.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return fmt.Errorf("decode order: %w", err)
		}
		orders = append(orders, o)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	return tokens, balances, orders, nil
}

// LoadRecentTrades returns up to limit trades for a ticker, newest
// first, by walking the time-ordered key range backwards.
func (s *PebbleStore) LoadRecentTrades(ticker string, limit int) ([]engine.Trade, error) {
	prefix := tradePrefix(ticker)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []engine.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t engine.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

var _ engine.Store = (*PebbleStore)(nil)
