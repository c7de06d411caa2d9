package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Prefix-based so each record family supports
// range scans, with zero-padded numeric components for lexicographic
// ordering.
const (
	prefixToken   = "tok:"   // registered tokens, ordered by registration index
	prefixBalance = "bal:"   // custodial balances
	prefixOrder   = "ord:"   // resting orders
	prefixTrade   = "trade:" // trade history
)

// tokenKey: "tok:{index}" — index zero-padded to preserve
// registration order under lexicographic iteration.
func tokenKey(index int) []byte {
	return []byte(fmt.Sprintf("%s%06d", prefixToken, index))
}

// balanceKey: "bal:{ticker}:{address}"
func balanceKey(ticker string, trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, ticker, trader.Hex()))
}

// orderKey: "ord:{ticker}:{id}" — id zero-padded so per-ticker scans
// yield orders in submission order, which rebuilds FIFO position
// exactly on restart.
func orderKey(ticker string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixOrder, ticker, id))
}

// tradeKey: "trade:{ticker}:{timestamp}:{id}"
func tradeKey(ticker string, timestamp int64, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d", prefixTrade, ticker, timestamp, id))
}

// tradePrefix scans all trades for a ticker.
func tradePrefix(ticker string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, ticker))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
