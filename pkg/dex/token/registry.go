package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnauthorized    = errors.New("caller is not the registry admin")
	ErrDuplicateTicker = errors.New("ticker already registered")
	ErrUnknownToken    = errors.New("unknown token")
	ErrInvalidTicker   = errors.New("invalid ticker")
)

// Token binds a ticker symbol to the on-chain asset it represents.
type Token struct {
	Ticker string         `json:"ticker"`
	Handle common.Address `json:"handle"` // ERC-20 contract address
}

// Registry maps ticker symbols to tokens in a thread-safe manner.
// Registration is admin-gated and insertion order is preserved: by
// convention the first registered ticker is the quote asset every
// other ticker trades against, unless an explicit override is set.
type Registry struct {
	mu     sync.RWMutex
	admin  common.Address
	tokens map[string]Token
	order  []string // tickers in registration order
	quote  string   // explicit quote ticker override ("" = first registered)
}

// NewRegistry creates an empty registry administered by admin.
func NewRegistry(admin common.Address) *Registry {
	return &Registry{
		admin:  admin,
		tokens: make(map[string]Token),
	}
}

// SetQuoteTicker overrides the first-registered convention for the
// designated quote asset. The override does not need to be registered
// yet; it takes effect as soon as it is.
func (r *Registry) SetQuoteTicker(ticker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quote = ticker
}

// Register adds a new token. Only the admin may register, and tickers
// must be unique.
func (r *Registry) Register(caller common.Address, ticker string, handle common.Address) error {
	if caller != r.admin {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	if ticker == "" {
		return fmt.Errorf("%w: empty ticker", ErrInvalidTicker)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tokens[ticker]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTicker, ticker)
	}

	r.tokens[ticker] = Token{Ticker: ticker, Handle: handle}
	r.order = append(r.order, ticker)
	return nil
}

// Resolve looks up a token by ticker.
func (r *Registry) Resolve(ticker string) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tokens[ticker]
	if !exists {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, ticker)
	}
	return t, nil
}

// Exists reports whether a ticker is registered.
func (r *Registry) Exists(ticker string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tokens[ticker]
	return exists
}

// List returns all tokens in registration order.
// Returns a copy to avoid concurrent modification.
func (r *Registry) List() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Token, 0, len(r.order))
	for _, ticker := range r.order {
		out = append(out, r.tokens[ticker])
	}
	return out
}

// QuoteTicker returns the designated quote asset ticker.
// Reports false while the registry is empty and no override is set.
func (r *Registry) QuoteTicker() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.quote != "" {
		return r.quote, true
	}
	if len(r.order) == 0 {
		return "", false
	}
	return r.order[0], true
}

// Admin returns the registry admin address.
func (r *Registry) Admin() common.Address {
	return r.admin
}

// Count returns the number of registered tokens.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}
