package book

import (
	"container/heap"
	"sort"
	"sync"
)

// Book holds the resting limit orders for one ticker, both sides.
//
// Each side is a price -> FIFO slice map with a heap tracking the best
// price for O(1) peek. Within a price level orders queue in arrival
// order, which together with the engine's sequential IDs yields
// price-time priority: best price first, lowest ID first among equal
// prices. The ordering invariant is restored by every Insert and every
// head removal.
type Book struct {
	mu sync.RWMutex

	ticker string

	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	bids map[uint64][]*Order // price -> FIFO queue
	asks map[uint64][]*Order
}

// New creates an empty book for ticker.
func New(ticker string) *Book {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &Book{
		ticker:  ticker,
		bidHeap: bidHeap,
		askHeap: askHeap,
		bids:    make(map[uint64][]*Order),
		asks:    make(map[uint64][]*Order),
	}
}

// Ticker returns the ticker this book trades.
func (b *Book) Ticker() string { return b.ticker }

// Insert adds a resting order to the tail of its price level.
// Callers must only insert orders with positive remaining amount.
func (b *Book) Insert(o *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch o.Side {
	case Buy:
		if len(b.bids[o.Price]) == 0 {
			heap.Push(b.bidHeap, o.Price)
		}
		b.bids[o.Price] = append(b.bids[o.Price], o)
	case Sell:
		if len(b.asks[o.Price]) == 0 {
			heap.Push(b.askHeap, o.Price)
		}
		b.asks[o.Price] = append(b.asks[o.Price], o)
	}
}

// BestPrice returns the best resting price on a side: highest bid or
// lowest ask.
func (b *Book) BestPrice(side Side) (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bestPriceLocked(side)
}

func (b *Book) bestPriceLocked(side Side) (uint64, bool) {
	if side == Buy {
		if b.bidHeap.Len() == 0 {
			return 0, false
		}
		return b.bidHeap.Peek(), true
	}
	if b.askHeap.Len() == 0 {
		return 0, false
	}
	return b.askHeap.Peek(), true
}

// Head returns the order next in match priority on a side: head of the
// FIFO queue at the best price. Returns nil for an empty side. The
// pointer is live; the engine mutates Amount through it during
// settlement.
func (b *Book) Head(side Side) *Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	price, ok := b.bestPriceLocked(side)
	if !ok {
		return nil
	}
	if side == Buy {
		return b.bids[price][0]
	}
	return b.asks[price][0]
}

// RemoveHead dequeues the order at the head of the best price level,
// dropping the level (and its heap entry) when it empties.
func (b *Book) RemoveHead(side Side) {
	b.mu.Lock()
	defer b.mu.Unlock()

	price, ok := b.bestPriceLocked(side)
	if !ok {
		return
	}

	if side == Buy {
		b.bids[price] = b.bids[price][1:]
		if len(b.bids[price]) == 0 {
			delete(b.bids, price)
			heap.Pop(b.bidHeap)
		}
		return
	}
	b.asks[price] = b.asks[price][1:]
	if len(b.asks[price]) == 0 {
		delete(b.asks, price)
		heap.Pop(b.askHeap)
	}
}

// Walk visits resting orders on a side in match priority order
// (descending price for bids, ascending for asks, FIFO within a
// level) without mutating the book. The walk stops when fn returns
// false. Used by the engine's planning pass.
func (b *Book) Walk(side Side, fn func(o *Order) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, price := range b.sortedPricesLocked(side) {
		var level []*Order
		if side == Buy {
			level = b.bids[price]
		} else {
			level = b.asks[price]
		}
		for _, o := range level {
			if !fn(o) {
				return
			}
		}
	}
}

// Orders returns a copy of one side in its canonical order.
func (b *Book) Orders(side Side) []Order {
	var out []Order
	b.Walk(side, func(o *Order) bool {
		out = append(out, *o)
		return true
	})
	return out
}

// Depth aggregates resting quantity per price level in canonical
// order: bids high to low, asks low to high.
func (b *Book) Depth(side Side) []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var levels []PriceLevel
	for _, price := range b.sortedPricesLocked(side) {
		var level []*Order
		if side == Buy {
			level = b.bids[price]
		} else {
			level = b.asks[price]
		}
		var total uint64
		for _, o := range level {
			total += o.Amount
		}
		levels = append(levels, PriceLevel{Price: price, Amount: total})
	}
	return levels
}

// Len returns the number of resting orders on a side.
func (b *Book) Len(side Side) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	if side == Buy {
		for _, level := range b.bids {
			n += len(level)
		}
		return n
	}
	for _, level := range b.asks {
		n += len(level)
	}
	return n
}

func (b *Book) sortedPricesLocked(side Side) []uint64 {
	var src map[uint64][]*Order
	if side == Buy {
		src = b.bids
	} else {
		src = b.asks
	}

	prices := make([]uint64, 0, len(src))
	for p, level := range src {
		if len(level) == 0 {
			continue
		}
		prices = append(prices, p)
	}
	sort.Slice(prices, func(i, j int) bool {
		if side == Buy {
			return prices[i] > prices[j] // best bid first
		}
		return prices[i] < prices[j] // best ask first
	})
	return prices
}
