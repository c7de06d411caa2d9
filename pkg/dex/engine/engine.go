package engine

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/yhpark/custodex/pkg/dex/book"
	"github.com/yhpark/custodex/pkg/dex/ledger"
	"github.com/yhpark/custodex/pkg/dex/token"
	"github.com/yhpark/custodex/pkg/util"
)

var (
	ErrCannotTradeBaseAsset   = errors.New("cannot trade the quote asset against itself")
	ErrInvalidOrderParameters = errors.New("invalid order parameters")
	ErrInvalidAmount          = errors.New("amount must be positive")
)

// recentTradeCap bounds the in-memory trade history per ticker.
const recentTradeCap = 1000

// Store persists engine state. Mutating requests write through a
// single batch so a request's effects hit disk as one atomic unit.
// A nil Store disables persistence (unit tests, ephemeral devnet).
type Store interface {
	SaveToken(t token.Token, index int) error
	NewBatch() StoreBatch
	LoadRecentTrades(ticker string, limit int) ([]Trade, error)
	Close() error
}

// StoreBatch accumulates one request's writes. Close releases the
// batch's resources and must be called whether or not Commit ran.
type StoreBatch interface {
	SaveBalance(e ledger.Entry) error
	SaveOrder(o book.Order) error
	DeleteOrder(ticker string, id uint64) error
	SaveTrade(t Trade) error
	Commit() error
	Close() error
}

// Notifier receives post-commit events for streaming to clients. The
// engine mutex is held during delivery; implementations must not call
// back into the engine.
type Notifier interface {
	NotifyTrade(t Trade)
	NotifyDepth(ticker string, bids, asks []book.PriceLevel)
}

// Engine is the custodial exchange core: it validates requests against
// the token registry and balance ledger, matches limit orders against
// the resting book in price-time priority, and settles fills by moving
// custodial balances between trader accounts.
//
// All requests serialize behind one mutex, reads included. The
// original execution host ran strictly one request at a time; anything
// looser would break the time-priority tie-break, and settlement
// decrements resting amounts in place so readers outside the mutex
// could observe a half-settled book.
type Engine struct {
	mu sync.Mutex // serializes mutating requests

	registry   *token.Registry
	ledger     *ledger.Ledger
	books      map[string]*book.Book
	transferor Transferor
	store      Store
	clock      util.Clock
	notifier   Notifier
	log        *zap.SugaredLogger

	nextOrderID uint64
	nextTradeID uint64
	recent      map[string][]Trade // ticker -> newest-first ring
}

// New creates an engine. store may be nil; logger must not be.
func New(registry *token.Registry, transferor Transferor, store Store, clock util.Clock, log *zap.SugaredLogger) *Engine {
	return &Engine{
		registry:    registry,
		ledger:      ledger.New(),
		books:       make(map[string]*book.Book),
		transferor:  transferor,
		store:       store,
		clock:       clock,
		log:         log,
		nextOrderID: 1,
		nextTradeID: 1,
		recent:      make(map[string][]Trade),
	}
}

// SetNotifier installs the post-commit event sink. Must be called
// before the engine starts serving requests.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// Ledger exposes the balance ledger for invariant checks and tests.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Registry exposes the token registry.
func (e *Engine) Registry() *token.Registry { return e.registry }

func (e *Engine) getBook(ticker string) *book.Book {
	if b, ok := e.books[ticker]; ok {
		return b
	}
	b := book.New(ticker)
	e.books[ticker] = b
	return b
}

// AddToken registers a tradable token. Admin-gated by the registry.
func (e *Engine) AddToken(caller common.Address, ticker string, handle common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.registry.Register(caller, ticker, handle); err != nil {
		return err
	}
	if e.store != nil {
		if err := e.store.SaveToken(token.Token{Ticker: ticker, Handle: handle}, e.registry.Count()-1); err != nil {
			e.log.Errorw("token_persist_failed", "ticker", ticker, "err", err)
		}
	}
	e.log.Infow("token_registered", "ticker", ticker, "handle", handle.Hex())
	return nil
}

// Deposit pulls tokens from the trader's external account into
// custody and credits the custodial balance. The pull happens first:
// the ledger is only touched once the tokens are actually held.
func (e *Engine) Deposit(ctx context.Context, trader common.Address, ticker string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tok, err := e.registry.Resolve(ticker)
	if err != nil {
		return err
	}
	if amount == 0 {
		return fmt.Errorf("%w: deposit of zero %s", ErrInvalidAmount, ticker)
	}

	if err := e.transferor.Pull(ctx, tok.Handle, trader, amount); err != nil {
		if errors.Is(err, ErrInsufficientAllowance) || errors.Is(err, ErrTransferFailed) {
			return fmt.Errorf("deposit %s: %w", ticker, err)
		}
		return fmt.Errorf("deposit %s: %w: %v", ticker, ErrTransferFailed, err)
	}
	if err := e.ledger.Credit(trader, ticker, amount); err != nil {
		// Credit overflow after a successful pull: hand the tokens
		// back so no value is stranded in custody.
		if pushErr := e.transferor.Push(ctx, tok.Handle, trader, amount); pushErr != nil {
			e.log.Errorw("deposit_unwind_failed", "trader", trader.Hex(), "ticker", ticker, "err", pushErr)
		}
		return err
	}

	e.persistBalances(trader, ticker)
	e.log.Infow("deposit", "trader", trader.Hex(), "ticker", ticker, "amount", amount)
	return nil
}

// Withdraw debits the custodial balance and pushes tokens back to the
// trader. A push failure rolls the debit back: the request is one
// atomic unit, exactly as the original transactional host reverted
// the whole call.
func (e *Engine) Withdraw(ctx context.Context, trader common.Address, ticker string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tok, err := e.registry.Resolve(ticker)
	if err != nil {
		return err
	}
	if amount == 0 {
		return fmt.Errorf("%w: withdrawal of zero %s", ErrInvalidAmount, ticker)
	}

	if err := e.ledger.Debit(trader, ticker, amount); err != nil {
		return err
	}
	if err := e.transferor.Push(ctx, tok.Handle, trader, amount); err != nil {
		// Roll back the debit. Re-crediting what was just debited
		// cannot overflow.
		if creditErr := e.ledger.Credit(trader, ticker, amount); creditErr != nil {
			e.log.Errorw("withdraw_rollback_failed", "trader", trader.Hex(), "ticker", ticker, "err", creditErr)
		}
		return fmt.Errorf("withdraw %s: %w: %v", ticker, ErrTransferFailed, err)
	}

	e.persistBalances(trader, ticker)
	e.log.Infow("withdraw", "trader", trader.Hex(), "ticker", ticker, "amount", amount)
	return nil
}

// plannedFill pairs a live resting order with the quantity the
// incoming order takes from it.
type plannedFill struct {
	maker *book.Order
	qty   uint64
}

// CreateLimitOrder validates, matches and settles a limit order as one
// atomic request.
//
// Precondition order is fixed for deterministic error reporting:
// ticker registration and the quote-asset guard first, then parameter
// bounds, then balance sufficiency. Matching walks the opposite side
// from the best price and executes every fill at the resting order's
// price (maker price priority). The walk is a read-only planning pass;
// ledger and book mutations happen only after the full fill plan has
// been validated, so a failed request leaves no trace.
func (e *Engine) CreateLimitOrder(trader common.Address, ticker string, amount, price uint64, side book.Side) (OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// 1. Ticker must be registered and must not be the quote asset.
	if _, err := e.registry.Resolve(ticker); err != nil {
		return OrderResult{}, err
	}
	quote, ok := e.registry.QuoteTicker()
	if !ok {
		return OrderResult{}, fmt.Errorf("%w: no quote asset designated", token.ErrUnknownToken)
	}
	if ticker == quote {
		return OrderResult{}, fmt.Errorf("%w: %s", ErrCannotTradeBaseAsset, ticker)
	}
	if side != book.Buy && side != book.Sell {
		return OrderResult{}, fmt.Errorf("%w: side %d", ErrInvalidOrderParameters, side)
	}

	// 2. Zero-amount and zero-price orders are rejected outright,
	// never silently matched.
	if amount == 0 || price == 0 {
		return OrderResult{}, fmt.Errorf("%w: amount=%d price=%d", ErrInvalidOrderParameters, amount, price)
	}
	notional, overflow := mulCheck(amount, price)
	if overflow {
		return OrderResult{}, fmt.Errorf("%w: amount*price overflows", ErrInvalidOrderParameters)
	}

	// 3. Balance sufficiency. Buys must hold the full notional in the
	// quote asset, sells the full amount of the base ticker. This is
	// the escrow check: eligibility at creation time, no separate
	// locked-balance bookkeeping.
	if side == book.Buy {
		if e.ledger.BalanceOf(trader, quote) < notional {
			return OrderResult{}, fmt.Errorf("%w: need %d %s", ledger.ErrInsufficientBalance, notional, quote)
		}
	} else {
		if e.ledger.BalanceOf(trader, ticker) < amount {
			return OrderResult{}, fmt.Errorf("%w: need %d %s", ledger.ErrInsufficientBalance, amount, ticker)
		}
	}

	bk := e.getBook(ticker)
	opp := side.Opposite()

	// Planning pass: walk the opposite book in priority order and
	// collect fills without touching any state. The walk halts at the
	// first price that cannot match; nothing past it can either.
	var (
		plan      []plannedFill
		remaining = amount
		planErr   error
	)
	bk.Walk(opp, func(o *book.Order) bool {
		if side == book.Buy && o.Price > price {
			return false
		}
		if side == book.Sell && o.Price < price {
			return false
		}
		qty := o.Amount
		if remaining < qty {
			qty = remaining
		}
		if _, ovf := mulCheck(qty, o.Price); ovf {
			planErr = fmt.Errorf("%w: fill notional overflows", ledger.ErrOverflow)
			return false
		}
		plan = append(plan, plannedFill{maker: o, qty: qty})
		remaining -= qty
		return remaining > 0
	})
	if planErr != nil {
		return OrderResult{}, planErr
	}

	orderID := e.nextOrderID

	// Settlement ops for the whole plan: base leg seller -> buyer,
	// quote leg buyer -> seller, per fill at the maker's price.
	var ops []ledger.Op
	for _, pf := range plan {
		legQuote := pf.qty * pf.maker.Price // overflow checked during planning
		buyer, seller := trader, pf.maker.Trader
		if side == book.Sell {
			buyer, seller = pf.maker.Trader, trader
		}
		ops = append(ops,
			ledger.Op{Trader: seller, Ticker: ticker, Amount: pf.qty},
			ledger.Op{Trader: buyer, Ticker: ticker, Amount: pf.qty, Credit: true},
			ledger.Op{Trader: buyer, Ticker: quote, Amount: legQuote},
			ledger.Op{Trader: seller, Ticker: quote, Amount: legQuote, Credit: true},
		)
	}

	// Apply stages every op before committing any, so a maker whose
	// balance has drifted below its resting escrow (the creation-time
	// check does not re-verify later) aborts the request with zero
	// state change.
	if err := e.ledger.Apply(ops); err != nil {
		return OrderResult{}, fmt.Errorf("settlement aborted: %w", err)
	}

	// Ledger is settled; now mutate the book. Fills are a prefix of
	// the priority order, so fully-filled makers are always at the
	// head of the best level.
	now := e.clock.Now().UnixMilli()
	result := OrderResult{OrderID: orderID, Remaining: remaining}
	var trades []Trade
	for _, pf := range plan {
		pf.maker.Amount -= pf.qty
		if pf.maker.Amount == 0 {
			bk.RemoveHead(opp)
		}

		tr := Trade{
			ID:           e.nextTradeID,
			Ticker:       ticker,
			Price:        pf.maker.Price,
			Amount:       pf.qty,
			TakerSide:    side,
			Taker:        trader,
			Maker:        pf.maker.Trader,
			TakerOrderID: orderID,
			MakerOrderID: pf.maker.ID,
			Timestamp:    now,
		}
		e.nextTradeID++
		trades = append(trades, tr)
		result.Fills = append(result.Fills, Fill{
			MakerOrderID: pf.maker.ID,
			Maker:        pf.maker.Trader,
			Price:        pf.maker.Price,
			Amount:       pf.qty,
		})
	}

	var rested *book.Order
	if remaining > 0 {
		rested = &book.Order{
			ID:     orderID,
			Trader: trader,
			Side:   side,
			Ticker: ticker,
			Price:  price,
			Amount: remaining,
		}
		bk.Insert(rested)
		result.Rested = true
	}
	e.nextOrderID++

	e.recordTrades(ticker, trades)
	e.persistOrderRequest(ticker, plan, rested, trades)

	if e.notifier != nil {
		for _, tr := range trades {
			e.notifier.NotifyTrade(tr)
		}
		e.notifier.NotifyDepth(ticker, bk.Depth(book.Buy), bk.Depth(book.Sell))
	}
	e.log.Infow("order_accepted",
		"order_id", orderID, "trader", trader.Hex(), "ticker", ticker,
		"side", side.String(), "price", price, "amount", amount,
		"fills", len(plan), "rested", result.Rested)

	return result, nil
}

// GetOrders returns a copy of the book for (ticker, side) in canonical
// order. The engine mutex is held for the whole read: settlement
// decrements resting amounts in place, so a reader outside the mutex
// could observe a half-settled book.
func (e *Engine) GetOrders(ticker string, side book.Side) []book.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	bk, ok := e.books[ticker]
	if !ok {
		return nil
	}
	return bk.Orders(side)
}

// Depth returns aggregated price levels for both sides of a ticker.
// Holds the engine mutex, same as GetOrders.
func (e *Engine) Depth(ticker string) (bids, asks []book.PriceLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bk, ok := e.books[ticker]
	if !ok {
		return nil, nil
	}
	return bk.Depth(book.Buy), bk.Depth(book.Sell)
}

// GetTokens returns registered tokens in registration order.
func (e *Engine) GetTokens() []token.Token {
	return e.registry.List()
}

// BalanceInOf returns a trader's custodial balance for a ticker.
func (e *Engine) BalanceInOf(ticker string, trader common.Address) uint64 {
	return e.ledger.BalanceOf(trader, ticker)
}

// RecentTrades returns up to limit trades for a ticker, newest first.
func (e *Engine) RecentTrades(ticker string, limit int) []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	hist := e.recent[ticker]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}
	out := make([]Trade, limit)
	copy(out, hist[:limit])
	return out
}

// Restore rebuilds in-memory state from persisted entries. Called once
// at startup before the engine serves requests. Tokens must be in
// registration order; orders are re-inserted ascending by ID so FIFO
// position inside each price level is rebuilt exactly. The recent
// trade ring is hydrated from the persisted tape per restored ticker,
// and both ID counters resume past the restored maxima.
func (e *Engine) Restore(tokens []token.Token, balances []ledger.Entry, orders []book.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	admin := e.registry.Admin()
	for _, t := range tokens {
		if err := e.registry.Register(admin, t.Ticker, t.Handle); err != nil {
			return fmt.Errorf("restore token %s: %w", t.Ticker, err)
		}
	}
	for _, b := range balances {
		if err := e.ledger.Credit(b.Trader, b.Ticker, b.Amount); err != nil {
			return fmt.Errorf("restore balance %s/%s: %w", b.Trader.Hex(), b.Ticker, err)
		}
	}
	for _, o := range orders {
		cp := o
		e.getBook(o.Ticker).Insert(&cp)
		if o.ID >= e.nextOrderID {
			e.nextOrderID = o.ID + 1
		}
	}
	if e.store != nil {
		for _, t := range tokens {
			trades, err := e.store.LoadRecentTrades(t.Ticker, recentTradeCap)
			if err != nil {
				return fmt.Errorf("restore trades %s: %w", t.Ticker, err)
			}
			if len(trades) == 0 {
				continue
			}
			e.recent[t.Ticker] = trades // already newest-first
			for _, tr := range trades {
				if tr.ID >= e.nextTradeID {
					e.nextTradeID = tr.ID + 1
				}
			}
		}
	}
	return nil
}

func (e *Engine) recordTrades(ticker string, trades []Trade) {
	if len(trades) == 0 {
		return
	}
	hist := e.recent[ticker]
	// Prepend newest-first.
	for _, tr := range trades {
		hist = append([]Trade{tr}, hist...)
	}
	if len(hist) > recentTradeCap {
		hist = hist[:recentTradeCap]
	}
	e.recent[ticker] = hist
}

// persistBalances writes through one trader's balance for a ticker.
func (e *Engine) persistBalances(trader common.Address, ticker string) {
	if e.store == nil {
		return
	}
	batch := e.store.NewBatch()
	defer batch.Close()

	err := batch.SaveBalance(ledger.Entry{
		Trader: trader,
		Ticker: ticker,
		Amount: e.ledger.BalanceOf(trader, ticker),
	})
	if err == nil {
		err = batch.Commit()
	}
	if err != nil {
		e.log.Errorw("balance_persist_failed", "trader", trader.Hex(), "ticker", ticker, "err", err)
	}
}

// persistOrderRequest writes one order request's full effects (touched
// balances, maker order updates, rested taker order, trades) as a
// single storage batch.
func (e *Engine) persistOrderRequest(ticker string, plan []plannedFill, rested *book.Order, trades []Trade) {
	if e.store == nil {
		return
	}
	quote, _ := e.registry.QuoteTicker()

	batch := e.store.NewBatch()
	defer batch.Close()

	write := func(err error) bool {
		if err != nil {
			e.log.Errorw("order_persist_failed", "ticker", ticker, "err", err)
			return false
		}
		return true
	}

	touched := make(map[ledger.Key]struct{})
	saveBalance := func(trader common.Address, tick string) bool {
		k := ledger.Key{Trader: trader, Ticker: tick}
		if _, done := touched[k]; done {
			return true
		}
		touched[k] = struct{}{}
		return write(batch.SaveBalance(ledger.Entry{Trader: trader, Ticker: tick, Amount: e.ledger.BalanceOf(trader, tick)}))
	}

	for _, tr := range trades {
		for _, trader := range []common.Address{tr.Taker, tr.Maker} {
			if !saveBalance(trader, ticker) || !saveBalance(trader, quote) {
				return
			}
		}
		if !write(batch.SaveTrade(tr)) {
			return
		}
	}
	for _, pf := range plan {
		if pf.maker.Amount == 0 {
			if !write(batch.DeleteOrder(ticker, pf.maker.ID)) {
				return
			}
		} else {
			if !write(batch.SaveOrder(*pf.maker)) {
				return
			}
		}
	}
	if rested != nil {
		if !write(batch.SaveOrder(*rested)) {
			return
		}
	}
	write(batch.Commit())
}

// mulCheck returns a*b and whether the product overflows uint64.
func mulCheck(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi != 0
}
