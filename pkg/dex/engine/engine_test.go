package engine_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/yhpark/custodex/pkg/dex/book"
	"github.com/yhpark/custodex/pkg/dex/engine"
	"github.com/yhpark/custodex/pkg/dex/ledger"
	"github.com/yhpark/custodex/pkg/dex/token"
	"github.com/yhpark/custodex/pkg/util"
)

var (
	admin = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol = common.HexToAddress("0xCC00000000000000000000000000000000000000")

	daiHandle = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	batHandle = common.HexToAddress("0x0D8775F648430679A709E98d2b0Cb6250d2887EF")
)

// newTestEngine builds an engine with DAI as the quote asset and BAT
// tradable against it. No persistence, auto-approved deposits,
// deterministic clock.
func newTestEngine(t *testing.T) (*engine.Engine, *engine.MockTransferor) {
	t.Helper()

	registry := token.NewRegistry(admin)
	transferor := engine.NewMockTransferor()
	transferor.AutoApprove = true
	clock := &util.FakeClock{T: time.UnixMilli(1_700_000_000_000)}

	eng := engine.New(registry, transferor, nil, clock, zap.NewNop().Sugar())

	if err := eng.AddToken(admin, "DAI", daiHandle); err != nil {
		t.Fatalf("add DAI: %v", err)
	}
	if err := eng.AddToken(admin, "BAT", batHandle); err != nil {
		t.Fatalf("add BAT: %v", err)
	}
	return eng, transferor
}

func mustDeposit(t *testing.T, eng *engine.Engine, trader common.Address, ticker string, amount uint64) {
	t.Helper()
	if err := eng.Deposit(context.Background(), trader, ticker, amount); err != nil {
		t.Fatalf("deposit %d %s for %s: %v", amount, ticker, trader.Hex(), err)
	}
}

func mustOrder(t *testing.T, eng *engine.Engine, trader common.Address, ticker string, amount, price uint64, side book.Side) engine.OrderResult {
	t.Helper()
	res, err := eng.CreateLimitOrder(trader, ticker, amount, price, side)
	if err != nil {
		t.Fatalf("order %s %d@%d %s: %v", side, amount, price, ticker, err)
	}
	return res
}

// snapshot captures every piece of externally observable state.
type snapshot struct {
	balances []ledger.Entry
	bids     []book.Order
	asks     []book.Order
	tokens   []token.Token
}

func takeSnapshot(eng *engine.Engine, ticker string) snapshot {
	return snapshot{
		balances: eng.Ledger().Entries(),
		bids:     eng.GetOrders(ticker, book.Buy),
		asks:     eng.GetOrders(ticker, book.Sell),
		tokens:   eng.GetTokens(),
	}
}

func TestAddTokenAdminGate(t *testing.T) {
	eng, _ := newTestEngine(t)

	err := eng.AddToken(alice, "USDC", daiHandle)
	if !errors.Is(err, token.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	err = eng.AddToken(admin, "BAT", batHandle)
	if !errors.Is(err, token.ErrDuplicateTicker) {
		t.Fatalf("expected ErrDuplicateTicker, got %v", err)
	}
}

func TestDepositUnknownToken(t *testing.T) {
	eng, _ := newTestEngine(t)

	err := eng.Deposit(context.Background(), alice, "DOGE", 100)
	if !errors.Is(err, token.ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestDepositAllowance(t *testing.T) {
	eng, transferor := newTestEngine(t)
	transferor.AutoApprove = false

	err := eng.Deposit(context.Background(), alice, "DAI", 100)
	if !errors.Is(err, engine.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if got := eng.BalanceInOf("DAI", alice); got != 0 {
		t.Errorf("failed deposit credited balance: %d", got)
	}

	transferor.Approve(daiHandle, alice, 100)
	mustDeposit(t, eng, alice, "DAI", 100)
	if got := eng.BalanceInOf("DAI", alice); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}
}

func TestWithdraw(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 100)

	if err := eng.Withdraw(context.Background(), alice, "DAI", 40); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := eng.BalanceInOf("DAI", alice); got != 60 {
		t.Errorf("balance = %d, want 60", got)
	}

	err := eng.Withdraw(context.Background(), alice, "DAI", 61)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	err = eng.Withdraw(context.Background(), alice, "DOGE", 1)
	if !errors.Is(err, token.ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestWithdrawRollbackOnTransferFailure(t *testing.T) {
	eng, transferor := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 100)

	transferor.FailNextPush(engine.ErrTransferFailed)
	err := eng.Withdraw(context.Background(), alice, "DAI", 100)
	if !errors.Is(err, engine.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	// The debit must have been rolled back: one atomic unit.
	if got := eng.BalanceInOf("DAI", alice); got != 100 {
		t.Errorf("balance after failed withdraw = %d, want 100", got)
	}
}

func TestCreateOrderBaseAssetGuard(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 1_000_000)

	// The quote asset is never tradable against itself, either side,
	// any amount or price.
	for _, side := range []book.Side{book.Buy, book.Sell} {
		for _, amount := range []uint64{1, 1000} {
			_, err := eng.CreateLimitOrder(alice, "DAI", amount, 10, side)
			if !errors.Is(err, engine.ErrCannotTradeBaseAsset) {
				t.Errorf("side=%v amount=%d: expected ErrCannotTradeBaseAsset, got %v", side, amount, err)
			}
		}
	}
}

func TestCreateOrderInvalidParameters(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 1000)

	if _, err := eng.CreateLimitOrder(alice, "BAT", 0, 10, book.Buy); !errors.Is(err, engine.ErrInvalidOrderParameters) {
		t.Errorf("zero amount: expected ErrInvalidOrderParameters, got %v", err)
	}
	if _, err := eng.CreateLimitOrder(alice, "BAT", 10, 0, book.Buy); !errors.Is(err, engine.ErrInvalidOrderParameters) {
		t.Errorf("zero price: expected ErrInvalidOrderParameters, got %v", err)
	}
}

func TestCreateOrderInsufficientBalance(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 99)
	mustDeposit(t, eng, bob, "BAT", 9)

	// Buy needs amount*price of the quote asset.
	if _, err := eng.CreateLimitOrder(alice, "BAT", 10, 10, book.Buy); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("buy: expected ErrInsufficientBalance, got %v", err)
	}
	// Sell needs amount of the base ticker.
	if _, err := eng.CreateLimitOrder(bob, "BAT", 10, 10, book.Sell); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("sell: expected ErrInsufficientBalance, got %v", err)
	}
}

func TestRejectionWithoutMutation(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 1000)
	mustDeposit(t, eng, bob, "BAT", 100)
	mustOrder(t, eng, bob, "BAT", 10, 9, book.Sell)

	before := takeSnapshot(eng, "BAT")

	if _, err := eng.CreateLimitOrder(alice, "DOGE", 10, 10, book.Buy); !errors.Is(err, token.ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}

	after := takeSnapshot(eng, "BAT")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("rejected request mutated state:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestMakerPriceExecution(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 1000)
	mustDeposit(t, eng, bob, "BAT", 10)

	mustOrder(t, eng, bob, "BAT", 10, 9, book.Sell)

	// Taker limit 10, maker resting at 9: the fill executes at 9.
	res := mustOrder(t, eng, alice, "BAT", 10, 10, book.Buy)
	if len(res.Fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(res.Fills))
	}
	if res.Fills[0].Price != 9 {
		t.Errorf("fill price = %d, want maker price 9", res.Fills[0].Price)
	}

	// Settlement at the maker price: alice pays 90, not 100.
	if got := eng.BalanceInOf("DAI", alice); got != 910 {
		t.Errorf("alice DAI = %d, want 910", got)
	}
	if got := eng.BalanceInOf("BAT", alice); got != 10 {
		t.Errorf("alice BAT = %d, want 10", got)
	}
	if got := eng.BalanceInOf("DAI", bob); got != 90 {
		t.Errorf("bob DAI = %d, want 90", got)
	}
	if got := eng.BalanceInOf("BAT", bob); got != 0 {
		t.Errorf("bob BAT = %d, want 0", got)
	}
}

func TestPriceTimePriority(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 10_000)
	mustDeposit(t, eng, bob, "BAT", 10)
	mustDeposit(t, eng, carol, "BAT", 20)

	// Resting sells at prices [9, 9, 10], in that submission order.
	first := mustOrder(t, eng, bob, "BAT", 10, 9, book.Sell)
	second := mustOrder(t, eng, carol, "BAT", 10, 9, book.Sell)
	third := mustOrder(t, eng, carol, "BAT", 10, 10, book.Sell)

	// Incoming buy at 10 must fill both 9s in id order before the 10.
	res := mustOrder(t, eng, alice, "BAT", 30, 10, book.Buy)
	if len(res.Fills) != 3 {
		t.Fatalf("fills = %d, want 3", len(res.Fills))
	}

	wantOrder := []uint64{first.OrderID, second.OrderID, third.OrderID}
	wantPrice := []uint64{9, 9, 10}
	for i, f := range res.Fills {
		if f.MakerOrderID != wantOrder[i] {
			t.Errorf("fill[%d] maker id = %d, want %d", i, f.MakerOrderID, wantOrder[i])
		}
		if f.Price != wantPrice[i] {
			t.Errorf("fill[%d] price = %d, want %d", i, f.Price, wantPrice[i])
		}
	}
	if res.Remaining != 0 || res.Rested {
		t.Errorf("expected full fill, got remaining=%d rested=%v", res.Remaining, res.Rested)
	}
}

func TestPartialFillRemainder(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 1000)
	mustDeposit(t, eng, bob, "BAT", 10)

	mustOrder(t, eng, bob, "BAT", 10, 9, book.Sell)

	// Buy 15 against one resting sell of 10: one fill of 10, buy
	// remainder of 5 rests on the book.
	res := mustOrder(t, eng, alice, "BAT", 15, 10, book.Buy)
	if len(res.Fills) != 1 || res.Fills[0].Amount != 10 {
		t.Fatalf("fills = %+v, want one fill of 10", res.Fills)
	}
	if res.Remaining != 5 || !res.Rested {
		t.Fatalf("remaining=%d rested=%v, want 5/true", res.Remaining, res.Rested)
	}

	bids := eng.GetOrders("BAT", book.Buy)
	if len(bids) != 1 {
		t.Fatalf("bids = %d, want 1", len(bids))
	}
	if bids[0].ID != res.OrderID || bids[0].Amount != 5 || bids[0].Price != 10 {
		t.Errorf("rested order = %+v, want id=%d amount=5 price=10", bids[0], res.OrderID)
	}
	if asks := eng.GetOrders("BAT", book.Sell); len(asks) != 0 {
		t.Errorf("asks = %d, want 0", len(asks))
	}
}

func TestPriceConditionHaltsWalk(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 1000)
	mustDeposit(t, eng, bob, "BAT", 20)

	mustOrder(t, eng, bob, "BAT", 10, 12, book.Sell)

	// Incoming buy below the best ask: no fill, order rests.
	res := mustOrder(t, eng, alice, "BAT", 10, 11, book.Buy)
	if len(res.Fills) != 0 || !res.Rested {
		t.Fatalf("expected rested order with no fills, got %+v", res)
	}
	if got := eng.BalanceInOf("BAT", alice); got != 0 {
		t.Errorf("alice BAT = %d, want 0", got)
	}
}

func TestConservation(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 5000)
	mustDeposit(t, eng, bob, "BAT", 300)
	mustDeposit(t, eng, carol, "DAI", 2000)

	check := func(stage string) {
		t.Helper()
		if got := eng.Ledger().TotalOf("DAI"); got != 7000 {
			t.Errorf("%s: total DAI = %d, want 7000", stage, got)
		}
		if got := eng.Ledger().TotalOf("BAT"); got != 300 {
			t.Errorf("%s: total BAT = %d, want 300", stage, got)
		}
	}
	check("after deposits")

	mustOrder(t, eng, bob, "BAT", 100, 9, book.Sell)
	mustOrder(t, eng, bob, "BAT", 100, 11, book.Sell)
	check("after resting sells")

	mustOrder(t, eng, alice, "BAT", 150, 11, book.Buy)
	check("after crossed buy")

	mustOrder(t, eng, carol, "BAT", 60, 10, book.Buy)
	check("after resting bid")

	// No token created or destroyed by matching: withdraw what the
	// ledger says and totals shrink by exactly that.
	if err := eng.Withdraw(context.Background(), bob, "DAI", 900); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := eng.Ledger().TotalOf("DAI"); got != 6100 {
		t.Errorf("total DAI after withdraw = %d, want 6100", got)
	}
}

func TestUnderfundedMakerAbortsRequest(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 1000)
	mustDeposit(t, eng, bob, "BAT", 10)

	mustOrder(t, eng, bob, "BAT", 10, 9, book.Sell)

	// The escrow check runs at creation time only; bob can drain the
	// escrowed BAT afterwards. The settlement guard must then abort
	// the crossing request with zero state change.
	if err := eng.Withdraw(context.Background(), bob, "BAT", 10); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	before := takeSnapshot(eng, "BAT")
	_, err := eng.CreateLimitOrder(alice, "BAT", 10, 10, book.Buy)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	after := takeSnapshot(eng, "BAT")
	if !reflect.DeepEqual(before, after) {
		t.Fatal("aborted settlement mutated state")
	}
}

func TestIdempotentReads(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 1000)
	mustDeposit(t, eng, bob, "BAT", 50)
	mustOrder(t, eng, bob, "BAT", 20, 9, book.Sell)
	mustOrder(t, eng, alice, "BAT", 10, 9, book.Buy)

	firstOrders := eng.GetOrders("BAT", book.Sell)
	secondOrders := eng.GetOrders("BAT", book.Sell)
	if !reflect.DeepEqual(firstOrders, secondOrders) {
		t.Error("GetOrders must not mutate")
	}

	firstTokens := eng.GetTokens()
	secondTokens := eng.GetTokens()
	if !reflect.DeepEqual(firstTokens, secondTokens) {
		t.Error("GetTokens must not mutate")
	}

	if eng.BalanceInOf("DAI", alice) != eng.BalanceInOf("DAI", alice) {
		t.Error("BalanceInOf must not mutate")
	}

	firstTrades := eng.RecentTrades("BAT", 10)
	secondTrades := eng.RecentTrades("BAT", 10)
	if !reflect.DeepEqual(firstTrades, secondTrades) {
		t.Error("RecentTrades must not mutate")
	}
}

func TestRecentTrades(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 1000)
	mustDeposit(t, eng, bob, "BAT", 30)

	mustOrder(t, eng, bob, "BAT", 10, 9, book.Sell)
	mustOrder(t, eng, bob, "BAT", 10, 10, book.Sell)
	mustOrder(t, eng, alice, "BAT", 20, 10, book.Buy)

	trades := eng.RecentTrades("BAT", 10)
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	// Newest first.
	if trades[0].Price != 10 || trades[1].Price != 9 {
		t.Errorf("trade prices = [%d %d], want [10 9]", trades[0].Price, trades[1].Price)
	}
	for _, tr := range trades {
		if tr.Taker != alice || tr.Maker != bob {
			t.Errorf("trade parties = taker %s maker %s", tr.Taker.Hex(), tr.Maker.Hex())
		}
		if tr.Timestamp != 1_700_000_000_000 {
			t.Errorf("timestamp = %d, want fake clock value", tr.Timestamp)
		}
	}
}

// TestConcurrentReadsDuringSettlement hammers the read path while
// orders settle. Reads hold the engine mutex for their full duration,
// so a reader must never observe a half-settled book: no resting order
// with zero remaining, no torn amounts. Run with -race.
func TestConcurrentReadsDuringSettlement(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 10_000)
	mustDeposit(t, eng, bob, "BAT", 1_000)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, o := range eng.GetOrders("BAT", book.Sell) {
				if o.Amount == 0 {
					t.Errorf("reader saw resting order %d with zero remaining", o.ID)
					return
				}
			}
			bids, _ := eng.Depth("BAT")
			for _, lvl := range bids {
				if lvl.Amount == 0 {
					t.Errorf("reader saw empty price level %d", lvl.Price)
					return
				}
			}
			eng.RecentTrades("BAT", 10)
		}
	}()

	for i := 0; i < 500; i++ {
		mustOrder(t, eng, bob, "BAT", 1, 9, book.Sell)
		mustOrder(t, eng, alice, "BAT", 1, 9, book.Buy)
	}
	close(done)
	wg.Wait()
}

func TestSequentialOrderIDs(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustDeposit(t, eng, alice, "DAI", 1000)

	first := mustOrder(t, eng, alice, "BAT", 1, 10, book.Buy)
	second := mustOrder(t, eng, alice, "BAT", 1, 10, book.Buy)
	if second.OrderID != first.OrderID+1 {
		t.Errorf("order ids = %d, %d; want sequential", first.OrderID, second.OrderID)
	}
}
