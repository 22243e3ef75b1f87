package ledgergo

import (
	"context"
	"sync"
)

// MemoryEndpoint is an in-process account store. A single mutex guards the
// whole map, so every ApplyDeltas call is trivially serializable; good
// enough for tests and single-node deployments without a database.
type MemoryEndpoint struct {
	mu    sync.Mutex
	accts map[string]*Account
}

var (
	_ Repository = (*MemoryEndpoint)(nil)
)

func NewMemoryEndpoint() *MemoryEndpoint {
	return &MemoryEndpoint{accts: make(map[string]*Account)}
}

func (m *MemoryEndpoint) Exists(ctx context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accts[username]
	return ok, nil
}

func (m *MemoryEndpoint) CreateAccount(ctx context.Context, username string, passwordHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accts[username]; ok {
		return ErrDuplicateUsername{Username: username}
	}
	m.accts[username] = &Account{
		Username:     username,
		PasswordHash: passwordHash,
	}
	return nil
}

// GetAccount returns a copy so callers cannot mutate store state outside
// ApplyDeltas.
func (m *MemoryEndpoint) GetAccount(ctx context.Context, username string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accts[username]
	if !ok {
		return nil, ErrNotFound{Username: username}
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryEndpoint) ApplyDeltas(ctx context.Context, deltas []AccountDelta) error {
	if err := ctx.Err(); err != nil {
		return ErrStoreUnavailable{Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate every delta before touching anything; the transaction either
	// applies whole or not at all.
	for _, d := range deltas {
		acct, ok := m.accts[d.Username]
		if !ok {
			return ErrNotFound{Username: d.Username}
		}
		if d.CheckBalance && acct.Balance.Add(d.Balance).IsNegative() {
			return ErrWouldUnderflow{Username: d.Username}
		}
		if d.CheckDebt && acct.Debt.Add(d.Debt).IsNegative() {
			return ErrWouldUnderflow{Username: d.Username}
		}
	}
	for _, d := range deltas {
		acct := m.accts[d.Username]
		acct.Balance = acct.Balance.Add(d.Balance)
		acct.Debt = acct.Debt.Add(d.Debt)
	}
	return nil
}
