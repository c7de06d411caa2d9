package engine

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/yhpark/custodex/pkg/dex/book"
)

// Trade records a completed fill between taker and maker.
type Trade struct {
	ID           uint64         `json:"id"`
	Ticker       string         `json:"ticker"`
	Price        uint64         `json:"price"`  // maker's resting price
	Amount       uint64         `json:"amount"` // base units filled
	TakerSide    book.Side      `json:"takerSide"`
	Taker        common.Address `json:"taker"`
	Maker        common.Address `json:"maker"`
	TakerOrderID uint64         `json:"takerOrderId"`
	MakerOrderID uint64         `json:"makerOrderId"`
	Timestamp    int64          `json:"timestamp"` // unix milliseconds
}

// Fill is the per-match slice of an order result returned to callers.
type Fill struct {
	MakerOrderID uint64         `json:"makerOrderId"`
	Maker        common.Address `json:"maker"`
	Price        uint64         `json:"price"`
	Amount       uint64         `json:"amount"`
}

// OrderResult reports what happened to a submitted limit order.
type OrderResult struct {
	OrderID   uint64 `json:"orderId"`
	Fills     []Fill `json:"fills"`
	Remaining uint64 `json:"remaining"`
	Rested    bool   `json:"rested"` // true when the remainder entered the book
}
