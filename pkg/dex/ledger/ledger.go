package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOverflow marks a checked-arithmetic failure. Custodial amounts
	// must never wrap; a credit that would overflow is an invariant
	// violation and aborts the whole request.
	ErrOverflow = errors.New("balance overflow")
)

// Key identifies one custodial balance.
type Key struct {
	Trader common.Address
	Ticker string
}

// Entry is a (key, amount) pair used for snapshots and persistence.
type Entry struct {
	Trader common.Address `json:"trader"`
	Ticker string         `json:"ticker"`
	Amount uint64         `json:"amount"`
}

// Ledger holds custodial balances keyed by (trader, ticker).
// It is the sole mutation path for custodial state: deposits,
// withdrawals and fill settlement all go through Credit/Debit.
type Ledger struct {
	mu       sync.RWMutex
	balances map[Key]uint64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[Key]uint64)}
}

// Credit increases a balance with checked addition.
func (l *Ledger) Credit(trader common.Address, ticker string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := Key{Trader: trader, Ticker: ticker}
	cur := l.balances[k]
	if cur > math.MaxUint64-amount {
		return fmt.Errorf("%w: %s/%s", ErrOverflow, trader.Hex(), ticker)
	}
	l.balances[k] = cur + amount
	return nil
}

// Debit decreases a balance, failing if it would go negative.
func (l *Ledger) Debit(trader common.Address, ticker string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := Key{Trader: trader, Ticker: ticker}
	cur := l.balances[k]
	if cur < amount {
		return fmt.Errorf("%w: %s/%s have %d, need %d", ErrInsufficientBalance, trader.Hex(), ticker, cur, amount)
	}
	l.balances[k] = cur - amount
	return nil
}

// BalanceOf returns the balance for (trader, ticker), zero for
// unknown pairs. Pure read.
func (l *Ledger) BalanceOf(trader common.Address, ticker string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[Key{Trader: trader, Ticker: ticker}]
}

// TotalOf sums all traders' balances for a ticker.
// Used by the conservation invariant checks.
func (l *Ledger) TotalOf(ticker string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total uint64
	for k, v := range l.balances {
		if k.Ticker == ticker {
			total += v
		}
	}
	return total
}

// Entries returns a deterministic snapshot of all non-zero balances,
// sorted by (ticker, trader).
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.balances))
	for k, v := range l.balances {
		if v == 0 {
			continue
		}
		out = append(out, Entry{Trader: k.Trader, Ticker: k.Ticker, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ticker != out[j].Ticker {
			return out[i].Ticker < out[j].Ticker
		}
		return out[i].Trader.Hex() < out[j].Trader.Hex()
	})
	return out
}

// Op is one staged balance mutation. Credit ops set Credit=true.
type Op struct {
	Trader common.Address
	Ticker string
	Amount uint64
	Credit bool
}

// Apply validates a batch of ops against current state and commits
// them as a unit. Either every op is applied or none are: the batch is
// first staged against copies of the touched balances, and only
// written back once every op has passed the non-negative and overflow
// checks. This reproduces the all-or-nothing settlement of the
// original transactional host.
func (l *Ledger) Apply(ops []Op) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	staged := make(map[Key]uint64, len(ops))
	for _, op := range ops {
		k := Key{Trader: op.Trader, Ticker: op.Ticker}
		cur, touched := staged[k]
		if !touched {
			cur = l.balances[k]
		}
		if op.Credit {
			if cur > math.MaxUint64-op.Amount {
				return fmt.Errorf("%w: %s/%s", ErrOverflow, op.Trader.Hex(), op.Ticker)
			}
			staged[k] = cur + op.Amount
		} else {
			if cur < op.Amount {
				return fmt.Errorf("%w: %s/%s have %d, need %d", ErrInsufficientBalance, op.Trader.Hex(), op.Ticker, cur, op.Amount)
			}
			staged[k] = cur - op.Amount
		}
	}

	for k, v := range staged {
		l.balances[k] = v
	}
	return nil
}
