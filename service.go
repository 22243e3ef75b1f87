package ledgergo

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-pdf/fpdf"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

//go:generate mockgen -source=service.go -destination=mocks/service.go -package=mocks

type RegisterReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ChargeReq struct {
	Username string          `json:"username"`
	Password string          `json:"password"`
	Amount   decimal.Decimal `json:"amount"`
}

type TransferReq struct {
	Username string          `json:"username"`
	Password string          `json:"password"`
	Receiver string          `json:"receiver"`
	Amount   decimal.Decimal `json:"amount"`
}

type BalanceReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoanReq struct {
	Username string          `json:"username"`
	Password string          `json:"password"`
	Amount   decimal.Decimal `json:"amount"`
}

type StatementReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type BalanceResp struct {
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
	Debt     decimal.Decimal `json:"debt"`
}

type Service interface {
	Register(ctx context.Context, req RegisterReq) error
	Credit(ctx context.Context, req ChargeReq) error
	Transfer(ctx context.Context, req TransferReq) error
	Balance(ctx context.Context, req BalanceReq) (*BalanceResp, error)
	TakeLoan(ctx context.Context, req LoanReq) error
	PayLoan(ctx context.Context, req LoanReq) error
	Statement(ctx context.Context, w io.Writer, req StatementReq) error
}

var (
	_ Service = (*serviceImpl)(nil)
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 25 * time.Millisecond
)

type serviceImpl struct {
	repo     Repository
	bankAcct string
	fee      decimal.Decimal
	retries  int
	backoff  time.Duration
	node     *snowflake.Node
	log      *zerolog.Logger
}

// NewService wires the ledger operations to a Repository. The bank account
// collects the flat per-transaction fee; it is created on first start if the
// store does not hold it yet. A nil-hash account can never pass credential
// verification, so the bank account is unusable as an acting user.
func NewService(repo Repository, bankAcct string, fee decimal.Decimal, log *zerolog.Logger) (*serviceImpl, error) {
	if bankAcct == "" {
		return nil, errors.New("bank account name must not be empty")
	}
	if fee.IsNegative() {
		return nil, errors.New("fee must not be negative")
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	ok, err := repo.Exists(ctx, bankAcct)
	if err != nil {
		return nil, err
	}
	if !ok {
		err = repo.CreateAccount(ctx, bankAcct, nil)
		var dup ErrDuplicateUsername
		if err != nil && !errors.As(err, &dup) {
			return nil, err
		}
		log.Info().Str("account", bankAcct).Msg("provisioned bank account")
	}

	return &serviceImpl{
		repo:     repo,
		bankAcct: bankAcct,
		fee:      fee,
		retries:  defaultRetryAttempts,
		backoff:  defaultRetryBackoff,
		node:     node,
		log:      log,
	}, nil
}

// WithRetry overrides the store retry policy. Zero values keep the defaults.
func (s *serviceImpl) WithRetry(attempts int, backoff time.Duration) *serviceImpl {
	if attempts > 0 {
		s.retries = attempts
	}
	if backoff > 0 {
		s.backoff = backoff
	}
	return s
}

func (s *serviceImpl) Register(ctx context.Context, req RegisterReq) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.repo.CreateAccount(ctx, req.Username, hash)
}

func (s *serviceImpl) Credit(ctx context.Context, req ChargeReq) error {
	if _, err := s.verifyCredentials(ctx, req.Username, req.Password); err != nil {
		return err
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount{Reason: "amount entered must be more than 0"}
	}
	if req.Amount.LessThanOrEqual(s.fee) {
		return ErrInvalidAmount{Reason: "amount entered must exceed the transaction fee"}
	}

	return s.applyWithRetry(ctx, []AccountDelta{
		{Username: s.bankAcct, Balance: s.fee},
		{Username: req.Username, Balance: req.Amount.Sub(s.fee)},
	})
}

func (s *serviceImpl) Transfer(ctx context.Context, req TransferReq) error {
	sender, err := s.verifyCredentials(ctx, req.Username, req.Password)
	if err != nil {
		return err
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount{Reason: "amount entered must be more than 0"}
	}
	ok, err := s.repo.Exists(ctx, req.Receiver)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidReceiver{Receiver: req.Receiver}
	}
	if !sender.Balance.IsPositive() || req.Amount.Add(s.fee).GreaterThan(sender.Balance) {
		return ErrInsufficientFunds{Reason: "balance does not cover amount and fee"}
	}

	// The sender delta carries the balance guard; a concurrent withdrawal
	// between the check above and the store transaction fails the whole
	// transfer instead of overdrawing.
	err = s.applyWithRetry(ctx, []AccountDelta{
		{Username: req.Username, Balance: req.Amount.Add(s.fee).Neg(), CheckBalance: true},
		{Username: req.Receiver, Balance: req.Amount},
		{Username: s.bankAcct, Balance: s.fee},
	})
	var unfl ErrWouldUnderflow
	if errors.As(err, &unfl) {
		return ErrInsufficientFunds{Reason: "balance does not cover amount and fee"}
	}
	return err
}

func (s *serviceImpl) Balance(ctx context.Context, req BalanceReq) (*BalanceResp, error) {
	acct, err := s.verifyCredentials(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	return &BalanceResp{
		Username: acct.Username,
		Balance:  acct.Balance,
		Debt:     acct.Debt,
	}, nil
}

func (s *serviceImpl) TakeLoan(ctx context.Context, req LoanReq) error {
	if _, err := s.verifyCredentials(ctx, req.Username, req.Password); err != nil {
		return err
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount{Reason: "amount entered must be more than 0"}
	}

	return s.applyWithRetry(ctx, []AccountDelta{
		{Username: req.Username, Balance: req.Amount, Debt: req.Amount},
	})
}

func (s *serviceImpl) PayLoan(ctx context.Context, req LoanReq) error {
	acct, err := s.verifyCredentials(ctx, req.Username, req.Password)
	if err != nil {
		return err
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount{Reason: "amount entered must be more than 0"}
	}
	if acct.Balance.LessThan(req.Amount) {
		return ErrInsufficientFunds{Reason: "balance does not cover repayment"}
	}
	if req.Amount.GreaterThan(acct.Debt) {
		return ErrInvalidAmount{Reason: "amount exceeds outstanding debt"}
	}

	// Guards on both figures; the debt guard keeps concurrent repayments
	// from driving debt negative.
	err = s.applyWithRetry(ctx, []AccountDelta{
		{Username: req.Username, Balance: req.Amount.Neg(), Debt: req.Amount.Neg(), CheckBalance: true, CheckDebt: true},
	})
	var unfl ErrWouldUnderflow
	if errors.As(err, &unfl) {
		return ErrInsufficientFunds{Reason: "balance does not cover repayment"}
	}
	return err
}

func (s *serviceImpl) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	acct, err := s.verifyCredentials(ctx, req.Username, req.Password)
	if err != nil {
		return err
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Account Statement")
	pdf.Ln(14)
	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 8, "Reference: "+s.node.Generate().String())
	pdf.Ln(8)
	pdf.Cell(0, 8, "Generated: "+time.Now().UTC().Format(time.RFC3339))
	pdf.Ln(12)
	pdf.Cell(0, 8, "Account: "+acct.Username)
	pdf.Ln(8)
	pdf.Cell(0, 8, "Balance: "+acct.Balance.String())
	pdf.Ln(8)
	pdf.Cell(0, 8, "Outstanding debt: "+acct.Debt.String())
	return pdf.Output(w)
}

func (s *serviceImpl) verifyCredentials(ctx context.Context, username, password string) (*Account, error) {
	acct, err := s.repo.GetAccount(ctx, username)
	if err != nil {
		var nf ErrNotFound
		if errors.As(err, &nf) {
			return nil, ErrInvalidUsername{Username: username}
		}
		return nil, err
	}
	// bcrypt compares digests in constant time internally.
	if len(acct.PasswordHash) == 0 ||
		bcrypt.CompareHashAndPassword(acct.PasswordHash, []byte(password)) != nil {
		return nil, ErrInvalidCredentials{}
	}
	return acct, nil
}

// applyWithRetry retries ApplyDeltas on ErrStoreUnavailable with doubling
// backoff. Any other outcome is returned as is.
func (s *serviceImpl) applyWithRetry(ctx context.Context, deltas []AccountDelta) error {
	backoff := s.backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = s.repo.ApplyDeltas(ctx, deltas)
		var esu ErrStoreUnavailable
		if err == nil || !errors.As(err, &esu) || attempt >= s.retries {
			return err
		}
		storeRetriesTotal.Inc()
		s.log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Msg("store transaction failed, retrying")
		select {
		case <-ctx.Done():
			return ErrStoreUnavailable{Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
