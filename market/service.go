package market

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vinayprograms/pixelmarket/canvas"
	"github.com/vinayprograms/pixelmarket/clock"
	"github.com/vinayprograms/pixelmarket/errors"
	"github.com/vinayprograms/pixelmarket/ledger"
	"github.com/vinayprograms/pixelmarket/logging"
	"github.com/vinayprograms/pixelmarket/notify"
	"github.com/vinayprograms/pixelmarket/scheduler"
	"github.com/vinayprograms/pixelmarket/stats"
	"github.com/vinayprograms/pixelmarket/tasks"
	"github.com/vinayprograms/pixelmarket/verify"
)

// Defaults for Config.
const (
	DefaultListingLimit   = 10
	DefaultTokenMaxLength = 30
)

// DefaultMinimumPay is the smallest pay a task may offer.
var DefaultMinimumPay = decimal.RequireFromString("0.01")

// Config holds marketplace rules.
type Config struct {
	MinimumPay     decimal.Decimal
	ListingLimit   int
	TokenMaxLength int

	// PrivilegedToken may adjust balances and force-delete reserved
	// tasks. Empty disables the privileged identity.
	PrivilegedToken string
	PrivilegedSeed  decimal.Decimal

	Clock    clock.Clock
	Logger   *logging.Logger
	Notifier notify.Notifier
}

// Deps are the components the service drives.
type Deps struct {
	Ledger    *ledger.Ledger
	Tasks     tasks.Store
	Scheduler *scheduler.Scheduler
	Verifier  *verify.Coordinator
	Sizes     *canvas.SizeCache
}

// Caller is an identified account.
type Caller struct {
	Account    string
	Privileged bool
}

// Listing is the public view of an available task.
type Listing struct {
	ID    uint64          `json:"id"`
	Pay   decimal.Decimal `json:"pay"`
	X     int             `json:"x"`
	Y     int             `json:"y"`
	Color string          `json:"color"`
}

// CreateRequest is a task creation request.
type CreateRequest struct {
	X     int             `json:"x"`
	Y     int             `json:"y"`
	Color string          `json:"color"`
	Pay   decimal.Decimal `json:"pay"`
}

// Reservation confirms a reserve.
type Reservation struct {
	Listing
	ReservedUntil time.Time `json:"reserved_until"`
}

// Payment confirms a settled submission.
type Payment struct {
	TaskID   uint64          `json:"id"`
	Paid     decimal.Decimal `json:"paid"`
	Balance  decimal.Decimal `json:"balance"`
	Attempts int             `json:"attempts"`
}

// Refund confirms a deletion.
type Refund struct {
	TaskID   uint64          `json:"id"`
	Refunded decimal.Decimal `json:"refunded"`
	Creator  string          `json:"-"`
}

// Stats is the stats response. Account is set for identified callers.
type Stats struct {
	Market  *stats.Market  `json:"market"`
	Account *stats.Account `json:"account,omitempty"`
}

// Service implements the marketplace operations.
type Service struct {
	ledger   *ledger.Ledger
	tasks    tasks.Store
	sched    *scheduler.Scheduler
	verifier *verify.Coordinator
	sizes    *canvas.SizeCache
	stats    *stats.Aggregator

	cfg      Config
	clock    clock.Clock
	logger   *logging.Logger
	notifier notify.Notifier
}

// New creates a service.
func New(deps Deps, cfg Config) *Service {
	if !cfg.MinimumPay.IsPositive() {
		cfg.MinimumPay = DefaultMinimumPay
	}
	if cfg.ListingLimit <= 0 {
		cfg.ListingLimit = DefaultListingLimit
	}
	if cfg.TokenMaxLength <= 0 {
		cfg.TokenMaxLength = DefaultTokenMaxLength
	}
	cfg.PrivilegedToken = strings.TrimSpace(cfg.PrivilegedToken)

	s := &Service{
		ledger:   deps.Ledger,
		tasks:    deps.Tasks,
		sched:    deps.Scheduler,
		verifier: deps.Verifier,
		sizes:    deps.Sizes,
		stats:    stats.New(deps.Tasks, deps.Ledger),
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		notifier: cfg.Notifier,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	s.logger = s.logger.WithComponent("market")
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	return s
}

// Start re-arms reservation timers from persisted state. Call once before
// serving.
func (s *Service) Start(ctx context.Context) error {
	if s.sched == nil {
		return nil
	}
	n, err := s.sched.Recover(ctx, s.tasks)
	if err != nil {
		return errors.Wrap(err, "recover reservations")
	}
	s.logger.Info("reservations recovered", map[string]any{"count": n})
	return nil
}

// Identify resolves a raw token to a caller, opening its account on
// first use. Surrounding whitespace is ignored.
func (s *Service) Identify(ctx context.Context, raw string) (*Caller, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return nil, errors.Unauthorized("authorization token required")
	}
	if len(token) > s.cfg.TokenMaxLength {
		return nil, errors.InvalidInput("authorization token too long",
			errors.WithMetadata("max_length", strconv.Itoa(s.cfg.TokenMaxLength)))
	}

	caller := &Caller{
		Account:    token,
		Privileged: s.cfg.PrivilegedToken != "" && token == s.cfg.PrivilegedToken,
	}
	seed := decimal.Zero
	if caller.Privileged {
		seed = s.cfg.PrivilegedSeed
	}

	_, created, err := s.ledger.Open(ctx, token, seed)
	if err != nil {
		return nil, err
	}
	if created {
		e := notify.NewEvent(notify.AccountOpened, 0, token, s.clock.Now())
		e.Amount = seed.String()
		s.notifier.Emit(e)
		s.logger.Info("account opened", map[string]any{
			"account":    logging.Redact(token),
			"privileged": caller.Privileged,
		})
	}
	return caller, nil
}

// ListTasks returns the highest paying available tasks. A nil minPay
// applies no filter.
func (s *Service) ListTasks(ctx context.Context, minPay *decimal.Decimal) ([]Listing, error) {
	floor := decimal.Zero
	if minPay != nil {
		floor = *minPay
	}
	available, err := s.tasks.Available(ctx, floor, s.cfg.ListingLimit)
	if err != nil {
		return nil, err
	}
	out := make([]Listing, len(available))
	for i, t := range available {
		out[i] = listing(t)
	}
	return out, nil
}

// Stats returns marketplace counts, plus the caller's own projection
// when caller is not nil.
func (s *Service) Stats(ctx context.Context, caller *Caller) (*Stats, error) {
	m, err := s.stats.Market(ctx)
	if err != nil {
		return nil, err
	}
	out := &Stats{Market: m}
	if caller != nil {
		out.Account, err = s.stats.Account(ctx, caller.Account)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CreateTask escrows the pay from the caller and lists a new task.
func (s *Service) CreateTask(ctx context.Context, caller *Caller, req CreateRequest) (*tasks.Task, error) {
	if caller == nil {
		return nil, errors.Unauthorized("authorization token required")
	}
	if req.Pay.LessThan(s.cfg.MinimumPay) {
		return nil, errors.InvalidInput("pay below minimum",
			errors.WithMetadata("field", "pay"),
			errors.WithMetadata("minimum", s.cfg.MinimumPay.String()))
	}
	spec := tasks.NewTask{Creator: caller.Account, X: req.X, Y: req.Y, Color: req.Color, Pay: req.Pay}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if s.sizes != nil {
		size, err := s.sizes.Get(ctx)
		if err != nil {
			return nil, err
		}
		if !size.Contains(req.X, req.Y) {
			return nil, errors.InvalidInput("coordinates outside canvas",
				errors.WithMetadata("field", "x,y"),
				errors.WithMetadata("width", strconv.Itoa(size.Width)),
				errors.WithMetadata("height", strconv.Itoa(size.Height)))
		}
	}

	return s.tasks.Create(ctx, spec)
}

// ReserveTask claims a task for the caller until the reservation window
// elapses.
func (s *Service) ReserveTask(ctx context.Context, caller *Caller, id uint64) (*Reservation, error) {
	if caller == nil {
		return nil, errors.Unauthorized("authorization token required")
	}
	task, err := s.tasks.Reserve(ctx, id, caller.Account)
	if err != nil {
		return nil, err
	}
	r := &Reservation{Listing: listing(task)}
	if task.ReservedUntil != nil {
		r.ReservedUntil = *task.ReservedUntil
	}
	return r, nil
}

// SubmitTask verifies the caller's reserved task against the canvas and
// pays out on a match. A mismatch returns NO_MATCH and keeps the
// reservation.
func (s *Service) SubmitTask(ctx context.Context, caller *Caller, id uint64) (*Payment, error) {
	if caller == nil {
		return nil, errors.Unauthorized("authorization token required")
	}
	out, err := s.verifier.Verify(ctx, id, caller.Account)
	if err != nil {
		return nil, err
	}
	p := &Payment{TaskID: id, Paid: out.Paid, Attempts: out.Attempts}
	if bal, err := s.ledger.Balance(ctx, caller.Account); err == nil {
		p.Balance = bal
	}
	return p, nil
}

// DeleteTask withdraws the caller's task and refunds its pay. The
// privileged caller may delete any task that is not completed, including
// reserved ones.
func (s *Service) DeleteTask(ctx context.Context, caller *Caller, id uint64) (*Refund, error) {
	if caller == nil {
		return nil, errors.Unauthorized("authorization token required")
	}
	task, err := s.tasks.Delete(ctx, id, caller.Account, caller.Privileged)
	if err != nil {
		return nil, err
	}
	return &Refund{TaskID: task.ID, Refunded: task.Pay, Creator: task.Creator}, nil
}

// AdjustBalance applies a signed correction to account. Only the
// privileged caller may do this; the account is opened if needed.
func (s *Service) AdjustBalance(ctx context.Context, caller *Caller, account string, delta decimal.Decimal, reason string) (decimal.Decimal, error) {
	if caller == nil || !caller.Privileged {
		return decimal.Zero, errors.Forbidden("balance adjustment requires the privileged token")
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return decimal.Zero, errors.InvalidInput("account required", errors.WithMetadata("field", "account"))
	}
	if len(account) > s.cfg.TokenMaxLength {
		return decimal.Zero, errors.InvalidInput("account token too long", errors.WithMetadata("field", "account"))
	}
	if _, _, err := s.ledger.Open(ctx, account, decimal.Zero); err != nil {
		return decimal.Zero, err
	}
	if reason == "" {
		reason = "privileged adjustment"
	}

	balance, err := s.ledger.Adjust(ctx, account, delta, reason)
	if err != nil {
		return balance, err
	}

	e := notify.NewEvent(notify.BalanceAdjusted, 0, account, s.clock.Now())
	e.Amount = delta.String()
	e.Meta = map[string]string{"reason": reason}
	s.notifier.Emit(e)
	s.logger.Info("balance adjusted", map[string]any{
		"account": logging.Redact(account),
		"delta":   delta.String(),
		"balance": balance.String(),
	})
	return balance, nil
}

// History returns the caller's balance journal, oldest first.
func (s *Service) History(ctx context.Context, caller *Caller) ([]ledger.Entry, error) {
	if caller == nil {
		return nil, errors.Unauthorized("authorization token required")
	}
	return s.ledger.History(ctx, caller.Account)
}

func listing(t *tasks.Task) Listing {
	return Listing{ID: t.ID, Pay: t.Pay, X: t.X, Y: t.Y, Color: t.Color}
}
