package ledgergo

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

type Middleware func(Service) Service

//
// Request validation middleware
//

// validationMiddleware rejects structurally bad requests before anything
// touches the store: missing fields, non-positive amounts, and any request
// that names the bank fee account as actor or receiver.
type validationMiddleware struct {
	next     Service
	bankAcct string
}

var (
	_ Service = (*validationMiddleware)(nil)
)

func NewValidationMiddleware(bankAcct string) Middleware {
	return func(svc Service) Service {
		return &validationMiddleware{
			next:     svc,
			bankAcct: bankAcct,
		}
	}
}

func (v *validationMiddleware) Register(ctx context.Context, req RegisterReq) error {
	fields := map[string]string{}
	if strings.TrimSpace(req.Username) == "" {
		fields["username"] = "missing"
	}
	if req.Password == "" {
		fields["password"] = "missing"
	}
	if len(fields) > 0 {
		return ErrBadRequest{Fields: fields}
	}
	if req.Username == v.bankAcct {
		return ErrDuplicateUsername{Username: req.Username}
	}
	return v.next.Register(ctx, req)
}

func (v *validationMiddleware) Credit(ctx context.Context, req ChargeReq) error {
	if err := v.checkActor(req.Username, req.Password); err != nil {
		return err
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount{Reason: "amount entered must be more than 0"}
	}
	return v.next.Credit(ctx, req)
}

func (v *validationMiddleware) Transfer(ctx context.Context, req TransferReq) error {
	if err := v.checkActor(req.Username, req.Password); err != nil {
		return err
	}
	if strings.TrimSpace(req.Receiver) == "" {
		return ErrBadRequest{Fields: map[string]string{"receiver": "missing"}}
	}
	if req.Receiver == v.bankAcct || req.Receiver == req.Username {
		return ErrInvalidReceiver{Receiver: req.Receiver}
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount{Reason: "amount entered must be more than 0"}
	}
	return v.next.Transfer(ctx, req)
}

func (v *validationMiddleware) Balance(ctx context.Context, req BalanceReq) (*BalanceResp, error) {
	if err := v.checkActor(req.Username, req.Password); err != nil {
		return nil, err
	}
	return v.next.Balance(ctx, req)
}

func (v *validationMiddleware) TakeLoan(ctx context.Context, req LoanReq) error {
	if err := v.checkActor(req.Username, req.Password); err != nil {
		return err
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount{Reason: "amount entered must be more than 0"}
	}
	return v.next.TakeLoan(ctx, req)
}

func (v *validationMiddleware) PayLoan(ctx context.Context, req LoanReq) error {
	if err := v.checkActor(req.Username, req.Password); err != nil {
		return err
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount{Reason: "amount entered must be more than 0"}
	}
	return v.next.PayLoan(ctx, req)
}

func (v *validationMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	if err := v.checkActor(req.Username, req.Password); err != nil {
		return err
	}
	return v.next.Statement(ctx, w, req)
}

func (v *validationMiddleware) checkActor(username, password string) error {
	fields := map[string]string{}
	if strings.TrimSpace(username) == "" {
		fields["username"] = "missing"
	}
	if password == "" {
		fields["password"] = "missing"
	}
	if len(fields) > 0 {
		return ErrBadRequest{Fields: fields}
	}
	// The fee account holds no credentials and is off-limits as an actor.
	if username == v.bankAcct {
		return ErrInvalidUsername{Username: username}
	}
	return nil
}

//
// Rate limiting middlewares
//

// limitMiddleware bounds the number of in-flight requests per operation with
// a weighted semaphore, i.e., x/sync/semaphore.Weighted with a context-bound
// acquisition. Saturation surfaces as ErrStoreUnavailable so callers treat
// it as transient.
type limitMiddleware struct {
	next   Service
	limits *ServiceLimits
}

var (
	_ Service = (*limitMiddleware)(nil)
)

type ServiceLimits struct {
	Register *semaphore.Weighted
	Credit   *semaphore.Weighted
	Transfer *semaphore.Weighted
	Balance  *semaphore.Weighted
	Loan     *semaphore.Weighted
}

const defaultOpLimit = 64

// NewServiceLimits builds per-operation semaphores from config, falling back
// to defaultOpLimit for unset values.
func NewServiceLimits(cfg *Config) *ServiceLimits {
	weight := func(n int64) *semaphore.Weighted {
		if n <= 0 {
			n = defaultOpLimit
		}
		return semaphore.NewWeighted(n)
	}
	return &ServiceLimits{
		Register: weight(cfg.Limits.Register),
		Credit:   weight(cfg.Limits.Credit),
		Transfer: weight(cfg.Limits.Transfer),
		Balance:  weight(cfg.Limits.Balance),
		Loan:     weight(cfg.Limits.Loan),
	}
}

func NewLimitMiddleware(limits *ServiceLimits) Middleware {
	return func(next Service) Service {
		return &limitMiddleware{
			next:   next,
			limits: limits,
		}
	}
}

func (l *limitMiddleware) acquire(ctx context.Context, sem *semaphore.Weighted) (func(), error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, ErrStoreUnavailable{Err: err}
	}
	return func() { sem.Release(1) }, nil
}

func (l *limitMiddleware) Register(ctx context.Context, req RegisterReq) error {
	release, err := l.acquire(ctx, l.limits.Register)
	if err != nil {
		return err
	}
	defer release()
	return l.next.Register(ctx, req)
}

func (l *limitMiddleware) Credit(ctx context.Context, req ChargeReq) error {
	release, err := l.acquire(ctx, l.limits.Credit)
	if err != nil {
		return err
	}
	defer release()
	return l.next.Credit(ctx, req)
}

func (l *limitMiddleware) Transfer(ctx context.Context, req TransferReq) error {
	release, err := l.acquire(ctx, l.limits.Transfer)
	if err != nil {
		return err
	}
	defer release()
	return l.next.Transfer(ctx, req)
}

func (l *limitMiddleware) Balance(ctx context.Context, req BalanceReq) (*BalanceResp, error) {
	release, err := l.acquire(ctx, l.limits.Balance)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Balance(ctx, req)
}

func (l *limitMiddleware) TakeLoan(ctx context.Context, req LoanReq) error {
	release, err := l.acquire(ctx, l.limits.Loan)
	if err != nil {
		return err
	}
	defer release()
	return l.next.TakeLoan(ctx, req)
}

func (l *limitMiddleware) PayLoan(ctx context.Context, req LoanReq) error {
	release, err := l.acquire(ctx, l.limits.Loan)
	if err != nil {
		return err
	}
	defer release()
	return l.next.PayLoan(ctx, req)
}

func (l *limitMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	release, err := l.acquire(ctx, l.limits.Balance)
	if err != nil {
		return err
	}
	defer release()
	return l.next.Statement(ctx, w, req)
}

type ServiceBreaker struct {
	Register *gobreaker.TwoStepCircuitBreaker[interface{}]
	Credit   *gobreaker.TwoStepCircuitBreaker[interface{}]
	Transfer *gobreaker.TwoStepCircuitBreaker[interface{}]
	Balance  *gobreaker.TwoStepCircuitBreaker[*BalanceResp]
	Loan     *gobreaker.TwoStepCircuitBreaker[interface{}]
}

// NewServiceBreaker builds one breaker per operation from shared settings;
// the per-operation name overrides st.Name.
func NewServiceBreaker(st gobreaker.Settings) *ServiceBreaker {
	named := func(name string) gobreaker.Settings {
		s := st
		s.Name = name
		return s
	}
	return &ServiceBreaker{
		Register: gobreaker.NewTwoStepCircuitBreaker[interface{}](named("register")),
		Credit:   gobreaker.NewTwoStepCircuitBreaker[interface{}](named("credit")),
		Transfer: gobreaker.NewTwoStepCircuitBreaker[interface{}](named("transfer")),
		Balance:  gobreaker.NewTwoStepCircuitBreaker[*BalanceResp](named("balance")),
		Loan:     gobreaker.NewTwoStepCircuitBreaker[interface{}](named("loan")),
	}
}

// circuitBreakMiddleware implements the circuit breaker pattern over the
// store-backed operations. Only infrastructure faults trip the breaker;
// domain rejections (bad credentials, insufficient funds, ...) count as
// successes since the store answered.
type circuitBreakMiddleware struct {
	next  Service
	brkrs *ServiceBreaker
}

var (
	_ Service = (*circuitBreakMiddleware)(nil)
)

func NewCircuitBreakMiddleware(brkrs *ServiceBreaker) Middleware {
	return func(next Service) Service {
		return &circuitBreakMiddleware{
			next:  next,
			brkrs: brkrs,
		}
	}
}

func breakerFailure(err error) bool {
	if err == nil {
		return false
	}
	var esu ErrStoreUnavailable
	return errors.As(err, &esu) || errors.Is(err, ErrInternalServer)
}

func (c *circuitBreakMiddleware) Register(ctx context.Context, req RegisterReq) error {
	done, err := c.brkrs.Register.Allow()
	if err != nil {
		return ErrStoreUnavailable{Err: err}
	}
	err = c.next.Register(ctx, req)
	done(!breakerFailure(err))
	return err
}

func (c *circuitBreakMiddleware) Credit(ctx context.Context, req ChargeReq) error {
	done, err := c.brkrs.Credit.Allow()
	if err != nil {
		return ErrStoreUnavailable{Err: err}
	}
	err = c.next.Credit(ctx, req)
	done(!breakerFailure(err))
	return err
}

func (c *circuitBreakMiddleware) Transfer(ctx context.Context, req TransferReq) error {
	done, err := c.brkrs.Transfer.Allow()
	if err != nil {
		return ErrStoreUnavailable{Err: err}
	}
	err = c.next.Transfer(ctx, req)
	done(!breakerFailure(err))
	return err
}

func (c *circuitBreakMiddleware) Balance(ctx context.Context, req BalanceReq) (*BalanceResp, error) {
	done, err := c.brkrs.Balance.Allow()
	if err != nil {
		return nil, ErrStoreUnavailable{Err: err}
	}
	resp, err := c.next.Balance(ctx, req)
	done(!breakerFailure(err))
	return resp, err
}

func (c *circuitBreakMiddleware) TakeLoan(ctx context.Context, req LoanReq) error {
	done, err := c.brkrs.Loan.Allow()
	if err != nil {
		return ErrStoreUnavailable{Err: err}
	}
	err = c.next.TakeLoan(ctx, req)
	done(!breakerFailure(err))
	return err
}

func (c *circuitBreakMiddleware) PayLoan(ctx context.Context, req LoanReq) error {
	done, err := c.brkrs.Loan.Allow()
	if err != nil {
		return ErrStoreUnavailable{Err: err}
	}
	err = c.next.PayLoan(ctx, req)
	done(!breakerFailure(err))
	return err
}

func (c *circuitBreakMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	done, err := c.brkrs.Balance.Allow()
	if err != nil {
		return ErrStoreUnavailable{Err: err}
	}
	err = c.next.Statement(ctx, w, req)
	done(!breakerFailure(err))
	return err
}
