package ledgergo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/jackc/pgx/v5"
)

// LocalHelper sets up a local database for development and integration
// tests: schema init, bank account seeding, teardown.
type LocalHelper struct {
	Conn     *pgx.Conn
	BankAcct string
}

func NewLocalHelper(cfg *Config) (*LocalHelper, error) {
	conn, err := pgx.Connect(context.Background(), cfg.Database.ConnectionString)
	if err != nil {
		return nil, err
	}

	bank := cfg.Ledger.BankAccount
	if bank == "" {
		bank = "BANK"
	}
	return &LocalHelper{
		Conn:     conn,
		BankAcct: bank,
	}, nil
}

func (lh *LocalHelper) InitDB() (func(), error) {
	initSQLpath := filepath.Join("testdata", "init_db.sql")
	bits, err := os.ReadFile(initSQLpath)
	if err != nil {
		return nil, err
	}
	if _, err = lh.Conn.Exec(context.Background(), string(bits)); err != nil {
		return nil, err
	}
	return lh.teardownDB(), err
}

func (lh *LocalHelper) PrepareBankAccount() error {
	seedPath := filepath.Join("testdata", "seed_bank_account.tmpl")
	bits, err := os.ReadFile(seedPath)
	if err != nil {
		return err
	}
	tmpl, err := template.New("seed_bank_account").Parse(string(bits))
	if err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	if err = tmpl.Execute(buf, lh.BankAcct); err != nil {
		return err
	}

	if _, err = lh.Conn.Exec(context.Background(), buf.String()); err != nil {
		return err
	}

	return err
}

func (lh *LocalHelper) teardownDB() func() {
	return func() {
		defer lh.Conn.Close(context.Background())

		tearSQLpath := filepath.Join("testdata", "teardown_db.sql")
		bits, err := os.ReadFile(tearSQLpath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "DB cleanup read teardown sql: %s", err.Error())
			return
		}
		if _, err = lh.Conn.Exec(context.Background(), string(bits)); err != nil {
			fmt.Fprintf(os.Stderr, "DB cleanup exec teardown sql: %s", err.Error())
			return
		}
	}
}
