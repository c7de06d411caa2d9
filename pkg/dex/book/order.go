package book

import "github.com/ethereum/go-ethereum/common"

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an incoming order matches against.
func (s Side) Opposite() Side { return -s }

// Order is a resting limit order. ID is a global sequential counter
// assigned by the engine; Amount is the remaining quantity and only
// ever decreases. An order leaves the book exactly when Amount
// reaches zero.
type Order struct {
	ID     uint64         `json:"id"`
	Trader common.Address `json:"trader"`
	Side   Side           `json:"side"`
	Ticker string         `json:"ticker"`
	Price  uint64         `json:"price"`  // quote units per base unit
	Amount uint64         `json:"amount"` // remaining base units
}

// PriceLevel aggregates resting quantity at one price.
type PriceLevel struct {
	Price  uint64 `json:"price"`
	Amount uint64 `json:"amount"`
}
