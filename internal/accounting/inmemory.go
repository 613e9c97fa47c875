package accounting

import (
	"context"
	"sync"
)

// InMemoryLedger is a simple in-process ledger for local/dev use.
type InMemoryLedger struct {
	mu      sync.RWMutex
	credits map[string]int
	grant   int
}

// NewInMemoryLedger creates a ledger that seeds unseen users with
// defaultGrant credits on first access.
func NewInMemoryLedger(defaultGrant int) *InMemoryLedger {
	return &InMemoryLedger{
		credits: make(map[string]int),
		grant:   defaultGrant,
	}
}

func (l *InMemoryLedger) SetBalance(userID string, credits int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits[userID] = credits
}

func (l *InMemoryLedger) Balance(_ context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(userID), nil
}

func (l *InMemoryLedger) Deduct(_ context.Context, userID string, amount int, _ string) (int, error) {
	if amount < 0 {
		amount = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.balanceLocked(userID) - amount
	if remaining < 0 {
		remaining = 0
	}
	l.credits[userID] = remaining
	return remaining, nil
}

func (l *InMemoryLedger) balanceLocked(userID string) int {
	if bal, ok := l.credits[userID]; ok {
		return bal
	}
	l.credits[userID] = l.grant
	return l.grant
}

func (l *InMemoryLedger) Close() error { return nil }
