package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientAllowance = errors.New("insufficient transfer allowance")
	ErrTransferFailed        = errors.New("token transfer failed")
)

// Transferor moves tokens between external custody and the exchange.
// It is the asset-transfer collaborator at its interface boundary: the
// engine models its calls as synchronous, and a failure is treated
// exactly like a local check failure for rollback purposes.
type Transferor interface {
	// Pull moves amount of the token at handle from the trader's
	// external account into custody.
	Pull(ctx context.Context, handle common.Address, from common.Address, amount uint64) error
	// Push releases amount of the token at handle from custody back
	// to the trader's external account.
	Push(ctx context.Context, handle common.Address, to common.Address, amount uint64) error
}

// MockTransferor is an in-memory Transferor for tests and devnet mode.
// Pulls consume per-(token, trader) allowances; pushes always succeed
// unless a scripted failure is armed.
type MockTransferor struct {
	mu sync.Mutex

	// AutoApprove makes every pull succeed without an allowance.
	AutoApprove bool

	allowances map[allowanceKey]uint64
	failPull   error
	failPush   error
}

type allowanceKey struct {
	Handle common.Address
	Trader common.Address
}

// NewMockTransferor creates a mock with no allowances set.
func NewMockTransferor() *MockTransferor {
	return &MockTransferor{allowances: make(map[allowanceKey]uint64)}
}

// Approve grants a pull allowance, mirroring an ERC-20 approve call.
func (m *MockTransferor) Approve(handle, trader common.Address, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey{Handle: handle, Trader: trader}] = amount
}

// FailNextPull arms a one-shot pull failure.
func (m *MockTransferor) FailNextPull(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPull = err
}

// FailNextPush arms a one-shot push failure.
func (m *MockTransferor) FailNextPush(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPush = err
}

func (m *MockTransferor) Pull(_ context.Context, handle, from common.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPull != nil {
		err := m.failPull
		m.failPull = nil
		return err
	}
	if m.AutoApprove {
		return nil
	}

	k := allowanceKey{Handle: handle, Trader: from}
	if m.allowances[k] < amount {
		return fmt.Errorf("%w: %s approved %d, need %d", ErrInsufficientAllowance, from.Hex(), m.allowances[k], amount)
	}
	m.allowances[k] -= amount
	return nil
}

func (m *MockTransferor) Push(_ context.Context, handle, to common.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPush != nil {
		err := m.failPush
		m.failPush = nil
		return err
	}
	return nil
}

var _ Transferor = (*MockTransferor)(nil)
