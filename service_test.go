package ledgergo_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	"github.com/arhyth/ledgergo"
	"github.com/arhyth/ledgergo/mocks"
)

func TestNewService(t *testing.T) {
	t.Run("provisions the bank account when absent", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		log := zerolog.Nop()
		repo.EXPECT().
			Exists(gomock.Any(), "BANK").
			Return(false, nil)
		repo.EXPECT().
			CreateAccount(gomock.Any(), "BANK", gomock.Nil()).
			Return(nil)
		_, err := ledgergo.NewService(repo, "BANK", decimal.NewFromInt(1), &log)
		as.Nil(err)
	})

	t.Run("rejects a negative fee", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		log := zerolog.Nop()
		_, err := ledgergo.NewService(repo, "BANK", decimal.NewFromInt(-1), &log)
		as.NotNil(err)
	})
}

func TestCredit(t *testing.T) {
	t.Run("moves the fee to the bank account and the rest to the user", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		svc, repo := newTestService(tt)

		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "hunter2"}))

		err := svc.Credit(context.Background(), ledgergo.ChargeReq{
			Username: "alice",
			Password: "hunter2",
			Amount:   decimal.NewFromInt(100),
		})
		reqrd.Nil(err)

		alice, err := repo.GetAccount(context.Background(), "alice")
		reqrd.Nil(err)
		as.True(alice.Balance.Equal(decimal.NewFromInt(99)), "got %s", alice.Balance)
		bank, err := repo.GetAccount(context.Background(), "BANK")
		reqrd.Nil(err)
		as.True(bank.Balance.Equal(decimal.NewFromInt(1)), "got %s", bank.Balance)
	})

	t.Run("rejects a non-positive amount without touching state", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		svc, repo := newTestService(tt)

		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "hunter2"}))
		err := svc.Credit(context.Background(), ledgergo.ChargeReq{
			Username: "alice",
			Password: "hunter2",
			Amount:   decimal.Zero,
		})
		as.ErrorAs(err, &ledgergo.ErrInvalidAmount{})
		as.Equal(ledgergo.StatusInvalidAmount, ledgergo.StatusCode(err))

		alice, err := repo.GetAccount(context.Background(), "alice")
		reqrd.Nil(err)
		as.True(alice.Balance.IsZero())
	})

	t.Run("rejects bad credentials", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		svc, _ := newTestService(tt)

		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "hunter2"}))
		err := svc.Credit(context.Background(), ledgergo.ChargeReq{
			Username: "alice",
			Password: "wrong",
			Amount:   decimal.NewFromInt(100),
		})
		as.ErrorAs(err, &ledgergo.ErrInvalidCredentials{})

		err = svc.Credit(context.Background(), ledgergo.ChargeReq{
			Username: "nobody",
			Password: "hunter2",
			Amount:   decimal.NewFromInt(100),
		})
		as.ErrorAs(err, &ledgergo.ErrInvalidUsername{})
	})
}

func TestRegister(t *testing.T) {
	t.Run("second registration of the same username fails", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		svc, repo := newTestService(tt)

		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "hunter2"}))
		err := svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "other"})
		as.ErrorAs(err, &ledgergo.ErrDuplicateUsername{})
		as.Equal(ledgergo.StatusInvalidUsername, ledgergo.StatusCode(err))

		alice, err := repo.GetAccount(context.Background(), "alice")
		reqrd.Nil(err)
		as.True(alice.Balance.IsZero())
		as.True(alice.Debt.IsZero())
	})
}

func TestTransfer(t *testing.T) {
	t.Run("rejects an unknown receiver", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		svc, _ := newTestService(tt)

		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "hunter2"}))
		err := svc.Transfer(context.Background(), ledgergo.TransferReq{
			Username: "alice",
			Password: "hunter2",
			Receiver: "nobody",
			Amount:   decimal.NewFromInt(10),
		})
		as.ErrorAs(err, &ledgergo.ErrInvalidReceiver{})
	})

	t.Run("rejects when the balance does not cover amount and fee", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		svc, repo := newTestService(tt)

		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "hunter2"}))
		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "bob", Password: "s3cret"}))
		reqrd.Nil(svc.Credit(context.Background(), ledgergo.ChargeReq{
			Username: "alice", Password: "hunter2", Amount: decimal.NewFromInt(31),
		}))
		// alice holds 30 after the fee
		err := svc.Transfer(context.Background(), ledgergo.TransferReq{
			Username: "alice",
			Password: "hunter2",
			Receiver: "bob",
			Amount:   decimal.NewFromInt(50),
		})
		as.ErrorAs(err, &ledgergo.ErrInsufficientFunds{})
		as.Equal(ledgergo.StatusInsufficientFunds, ledgergo.StatusCode(err))

		alice, err := repo.GetAccount(context.Background(), "alice")
		reqrd.Nil(err)
		as.True(alice.Balance.Equal(decimal.NewFromInt(30)))
		bob, err := repo.GetAccount(context.Background(), "bob")
		reqrd.Nil(err)
		as.True(bob.Balance.IsZero())
	})

	t.Run("moves the amount and routes the fee to the bank", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		svc, repo := newTestService(tt)

		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "hunter2"}))
		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "bob", Password: "s3cret"}))
		reqrd.Nil(svc.Credit(context.Background(), ledgergo.ChargeReq{
			Username: "alice", Password: "hunter2", Amount: decimal.NewFromInt(101),
		}))
		// alice holds 100, BANK holds 1
		err := svc.Transfer(context.Background(), ledgergo.TransferReq{
			Username: "alice",
			Password: "hunter2",
			Receiver: "bob",
			Amount:   decimal.NewFromInt(50),
		})
		reqrd.Nil(err)

		alice, _ := repo.GetAccount(context.Background(), "alice")
		bob, _ := repo.GetAccount(context.Background(), "bob")
		bank, _ := repo.GetAccount(context.Background(), "BANK")
		as.True(alice.Balance.Equal(decimal.NewFromInt(49)), "got %s", alice.Balance)
		as.True(bob.Balance.Equal(decimal.NewFromInt(50)), "got %s", bob.Balance)
		as.True(bank.Balance.Equal(decimal.NewFromInt(2)), "got %s", bank.Balance)
	})

	t.Run("concurrent transfers cannot double-spend", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		svc, repo := newTestService(tt)

		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "hunter2"}))
		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "bob", Password: "s3cret"}))
		reqrd.Nil(svc.Credit(context.Background(), ledgergo.ChargeReq{
			Username: "alice", Password: "hunter2", Amount: decimal.NewFromInt(101),
		}))
		// alice holds 100; two transfers of 60+fee each cannot both fit
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = svc.Transfer(context.Background(), ledgergo.TransferReq{
					Username: "alice",
					Password: "hunter2",
					Receiver: "bob",
					Amount:   decimal.NewFromInt(60),
				})
			}(i)
		}
		wg.Wait()

		failed := 0
		for _, err := range errs {
			if err != nil {
				as.ErrorAs(err, &ledgergo.ErrInsufficientFunds{})
				failed++
			}
		}
		as.GreaterOrEqual(failed, 1, "at least one transfer must be rejected")

		alice, _ := repo.GetAccount(context.Background(), "alice")
		as.False(alice.Balance.IsNegative(), "sender overdrawn: %s", alice.Balance)
	})
}

func TestLoans(t *testing.T) {
	t.Run("take then pay restores balance and debt exactly", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		svc, repo := newTestService(tt)

		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "hunter2"}))
		reqrd.Nil(svc.Credit(context.Background(), ledgergo.ChargeReq{
			Username: "alice", Password: "hunter2", Amount: decimal.NewFromInt(11),
		}))
		before, err := repo.GetAccount(context.Background(), "alice")
		reqrd.Nil(err)

		amount := decimal.NewFromInt(200)
		reqrd.Nil(svc.TakeLoan(context.Background(), ledgergo.LoanReq{
			Username: "alice", Password: "hunter2", Amount: amount,
		}))
		mid, err := repo.GetAccount(context.Background(), "alice")
		reqrd.Nil(err)
		as.True(mid.Balance.Equal(before.Balance.Add(amount)))
		as.True(mid.Debt.Equal(amount))

		reqrd.Nil(svc.PayLoan(context.Background(), ledgergo.LoanReq{
			Username: "alice", Password: "hunter2", Amount: amount,
		}))
		after, err := repo.GetAccount(context.Background(), "alice")
		reqrd.Nil(err)
		as.True(after.Balance.Equal(before.Balance))
		as.True(after.Debt.Equal(before.Debt))
	})

	t.Run("repaying more than owed is rejected", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		svc, _ := newTestService(tt)

		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "hunter2"}))
		reqrd.Nil(svc.TakeLoan(context.Background(), ledgergo.LoanReq{
			Username: "alice", Password: "hunter2", Amount: decimal.NewFromInt(50),
		}))
		reqrd.Nil(svc.Credit(context.Background(), ledgergo.ChargeReq{
			Username: "alice", Password: "hunter2", Amount: decimal.NewFromInt(101),
		}))
		err := svc.PayLoan(context.Background(), ledgergo.LoanReq{
			Username: "alice", Password: "hunter2", Amount: decimal.NewFromInt(150),
		})
		as.ErrorAs(err, &ledgergo.ErrInvalidAmount{})
	})

	t.Run("repayment above balance is rejected", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		svc, _ := newTestService(tt)

		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "hunter2"}))
		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "bob", Password: "s3cret"}))
		reqrd.Nil(svc.TakeLoan(context.Background(), ledgergo.LoanReq{
			Username: "alice", Password: "hunter2", Amount: decimal.NewFromInt(50),
		}))
		reqrd.Nil(svc.Transfer(context.Background(), ledgergo.TransferReq{
			Username: "alice", Password: "hunter2", Receiver: "bob", Amount: decimal.NewFromInt(40),
		}))
		// alice holds 9 with 50 of debt
		err := svc.PayLoan(context.Background(), ledgergo.LoanReq{
			Username: "alice", Password: "hunter2", Amount: decimal.NewFromInt(50),
		})
		as.ErrorAs(err, &ledgergo.ErrInsufficientFunds{})
	})
}

func TestBalanceOp(t *testing.T) {
	t.Run("returns balance and debt, never the password hash", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		svc, _ := newTestService(tt)

		reqrd.Nil(svc.Register(context.Background(), ledgergo.RegisterReq{Username: "alice", Password: "hunter2"}))
		resp, err := svc.Balance(context.Background(), ledgergo.BalanceReq{Username: "alice", Password: "hunter2"})
		reqrd.Nil(err)
		as.Equal("alice", resp.Username)
		as.True(resp.Balance.IsZero())
		as.True(resp.Debt.IsZero())
	})
}

func TestRetryOnStoreUnavailable(t *testing.T) {
	t.Run("transient store failures are retried", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		log := zerolog.Nop()

		hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
		reqrd.Nil(err)

		repo.EXPECT().Exists(gomock.Any(), "BANK").Return(true, nil)
		svc, err := ledgergo.NewService(repo, "BANK", decimal.NewFromInt(1), &log)
		reqrd.Nil(err)
		svc.WithRetry(2, 1)

		repo.EXPECT().
			GetAccount(gomock.Any(), "alice").
			Return(&ledgergo.Account{Username: "alice", PasswordHash: hash}, nil)
		gomock.InOrder(
			repo.EXPECT().
				ApplyDeltas(gomock.Any(), gomock.Any()).
				Return(ledgergo.ErrStoreUnavailable{}).
				Times(2),
			repo.EXPECT().
				ApplyDeltas(gomock.Any(), gomock.Any()).
				Return(nil),
		)

		err = svc.Credit(context.Background(), ledgergo.ChargeReq{
			Username: "alice",
			Password: "hunter2",
			Amount:   decimal.NewFromInt(100),
		})
		as.Nil(err)
	})
}

// newTestService wires a real service to an in-memory store.
func newTestService(t *testing.T) (ledgergo.Service, ledgergo.Repository) {
	t.Helper()
	repo := ledgergo.NewMemoryEndpoint()
	log := zerolog.Nop()
	svc, err := ledgergo.NewService(repo, "BANK", decimal.NewFromInt(1), &log)
	require.NoError(t, err)
	return svc, repo
}
