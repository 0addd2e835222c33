package billing

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Ledger is an in-process BalanceService holding user deposits and
// wallet payouts in memory. Production deployments replace it with the
// escrow-backed implementation; the ledger exists so development and
// single-binary installs can run the full billing path.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	payouts  map[string]decimal.Decimal
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]decimal.Decimal),
		payouts:  make(map[string]decimal.Decimal),
	}
}

// Deposit adds funds to a user's balance.
func (l *Ledger) Deposit(userID string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = l.balances[userID].Add(amount)
}

func (l *Ledger) AvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *Ledger) Charge(ctx context.Context, userID string, amount decimal.Decimal, memo string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balances[userID]
	if balance.LessThan(amount) {
		return fmt.Errorf("insufficient balance for %s: have %s, need %s", userID, balance, amount)
	}
	l.balances[userID] = balance.Sub(amount)
	return nil
}

func (l *Ledger) Credit(ctx context.Context, walletAddress string, amount decimal.Decimal, memo string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payouts[walletAddress] = l.payouts[walletAddress].Add(amount)
	return nil
}

// PayoutBalance reports the accumulated credits for a wallet.
func (l *Ledger) PayoutBalance(walletAddress string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.payouts[walletAddress]
}
