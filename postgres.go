package ledgergo

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	pgInsertAcctSQL = `
		INSERT INTO accounts (username, password_hash, balance, debt)
		VALUES ($1, $2, 0, 0);
	`

	pgExistsAcctSQL = `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE username = $1);
	`

	pgSelectAcctSQL = `
		SELECT username, password_hash, balance, debt
		FROM accounts
		WHERE username = $1;
	`

	pgSelectForUpdateAcctSQL = `
		SELECT balance, debt
		FROM accounts
		WHERE username = $1
		FOR UPDATE;
	`

	pgUpdateAcctSQL = `
		UPDATE accounts
		SET balance = $1, debt = $2
		WHERE username = $3;
	`
)

const pgUniqueViolation = "23505"

type PostgresEndpoint struct {
	pool *pgxpool.Pool
	log  *zerolog.Logger
}

var (
	_ Repository = (*PostgresEndpoint)(nil)
)

func NewPostgresEndpoint(connStr string, log *zerolog.Logger) (*PostgresEndpoint, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(context.Background()); err != nil {
		return nil, err
	}

	endpt := &PostgresEndpoint{
		pool: pool,
		log:  log,
	}
	return endpt, err
}

func (pg *PostgresEndpoint) Exists(ctx context.Context, username string) (bool, error) {
	var exists bool
	if err := pg.pool.QueryRow(ctx, pgExistsAcctSQL, username).Scan(&exists); err != nil {
		return false, ErrStoreUnavailable{Err: err}
	}
	return exists, nil
}

func (pg *PostgresEndpoint) CreateAccount(ctx context.Context, username string, passwordHash []byte) error {
	_, err := pg.pool.Exec(ctx, pgInsertAcctSQL, username, passwordHash)
	if err != nil {
		var pgerr *pgconn.PgError
		if errors.As(err, &pgerr) && pgerr.Code == pgUniqueViolation {
			return ErrDuplicateUsername{Username: username}
		}
		return ErrStoreUnavailable{Err: err}
	}
	return nil
}

func (pg *PostgresEndpoint) GetAccount(ctx context.Context, username string) (*Account, error) {
	acct := &Account{}
	err := pg.pool.QueryRow(ctx, pgSelectAcctSQL, username).
		Scan(&acct.Username, &acct.PasswordHash, &acct.Balance, &acct.Debt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound{Username: username}
		}
		return nil, ErrStoreUnavailable{Err: err}
	}
	return acct, nil
}

// ApplyDeltas runs all deltas in one transaction. Rows are locked with
// SELECT ... FOR UPDATE in lexicographic username order so that two
// transactions touching the same accounts cannot deadlock.
func (pg *PostgresEndpoint) ApplyDeltas(ctx context.Context, deltas []AccountDelta) error {
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return ErrStoreUnavailable{Err: err}
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return ErrStoreUnavailable{Err: err}
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			pg.log.Err(err).Msg("ledger transaction rollback fail")
		}
	}()

	ordered := make([]AccountDelta, len(deltas))
	copy(ordered, deltas)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Username < ordered[j].Username
	})

	for _, d := range ordered {
		var bal, debt decimal.Decimal
		row := tx.QueryRow(ctx, pgSelectForUpdateAcctSQL, d.Username)
		if err = row.Scan(&bal, &debt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound{Username: d.Username}
			}
			return ErrStoreUnavailable{Err: err}
		}

		bal = bal.Add(d.Balance)
		debt = debt.Add(d.Debt)
		if d.CheckBalance && bal.IsNegative() {
			return ErrWouldUnderflow{Username: d.Username}
		}
		if d.CheckDebt && debt.IsNegative() {
			return ErrWouldUnderflow{Username: d.Username}
		}

		if _, err = tx.Exec(ctx, pgUpdateAcctSQL, bal, debt, d.Username); err != nil {
			return ErrStoreUnavailable{Err: err}
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return ErrStoreUnavailable{Err: err}
	}
	return nil
}
