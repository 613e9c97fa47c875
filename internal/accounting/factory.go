package accounting

import (
	"context"
	"strings"
)

// devGrant seeds unseen users in the in-memory ledger with a workable
// balance for local sessions.
const devGrant = 100

// NewLedger creates a postgres-backed ledger when configured, otherwise in-memory.
func NewLedger(ctx context.Context, databaseURL string) (Ledger, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryLedger(devGrant), nil
	}
	return NewPostgresLedger(ctx, databaseURL)
}
