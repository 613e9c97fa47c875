package accounting

import (
	"context"
	"errors"
)

var ErrUnknownUser = errors.New("unknown user")

// Ledger is the credit-accounting collaborator. The live core only checks
// balances and deducts; issuing credits belongs to the billing service.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int, error)
	// Deduct removes up to amount credits and returns the remaining balance.
	// Balances never go negative; callers observe exhaustion via remaining==0.
	Deduct(ctx context.Context, userID string, amount int, reason string) (remaining int, err error)
	Close() error
}
