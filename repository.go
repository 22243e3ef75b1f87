package ledgergo

import (
	"context"

	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=repository.go -destination=mocks/repository.go -package=mocks

// Account is one user's ledger record. PasswordHash never leaves the
// process boundary.
type Account struct {
	Username     string          `json:"username"`
	PasswordHash []byte          `json:"-"`
	Balance      decimal.Decimal `json:"balance"`
	Debt         decimal.Decimal `json:"debt"`
}

// AccountDelta is one account's share of a ledger transaction. When
// CheckBalance (resp. CheckDebt) is set, the store rejects the whole
// transaction with ErrWouldUnderflow if the resulting balance (resp. debt)
// would be negative.
type AccountDelta struct {
	Username     string
	Balance      decimal.Decimal
	Debt         decimal.Decimal
	CheckBalance bool
	CheckDebt    bool
}

// Repository is the account store. ApplyDeltas is the single mutation path
// for balances and debts: all deltas in one call are applied atomically, or
// none are. Implementations must serialize transactions touching the same
// username so that no update is lost.
type Repository interface {
	Exists(ctx context.Context, username string) (bool, error)
	CreateAccount(ctx context.Context, username string, passwordHash []byte) error
	GetAccount(ctx context.Context, username string) (*Account, error)
	ApplyDeltas(ctx context.Context, deltas []AccountDelta) error
}
