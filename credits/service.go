/*
service.go - The credit engine facade

PURPOSE:
  Service wires the ledger, guest layer, plan catalog and purchase store
  together and exposes the operations collaborators call: the chat
  pipeline (CalculateCredits, Debit, guest deducts), the web surface
  (balances, history, plans, purchases), the scheduler trigger
  (RunMonthlyAllocationSweep) and the auth flow (RegisterUser,
  MigrateGuestToUser).

CONSTRUCTION:
  svc := credits.New(store,
      credits.WithPolicy(policy),
      credits.WithGuestCache(redisGuests),   // optional
      credits.WithPlanCache(redisPlans),     // optional
      credits.WithCommitHook(publisher.Publish),
      credits.WithLogger(log),
  )

  Store handles are built and closed by the caller. Service owns no
  connections.

SEE ALSO:
  - allocation.go, purchase.go, sweep.go, migrate.go: The rules
  - generic/ledger.go: Atomic mutations
*/
package credits

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/metrics"
)

type Service struct {
	ledger    *generic.Ledger
	store     generic.DurableStore
	guests    GuestBalances
	catalog   *Catalog
	policy    Policy
	clock     generic.Clock
	log       *zap.Logger
	newID     func() string
	workers   int
	queueSize int
}

type settings struct {
	policy     Policy
	clock      generic.Clock
	log        *zap.Logger
	guestCache GuestCache
	planCache  PlanCache
	hooks      []generic.CommitHook
	newID      func() string
	workers    int
	queueSize  int
}

type Option func(*settings)

func WithPolicy(p Policy) Option { return func(s *settings) { s.policy = p } }

func WithClock(c generic.Clock) Option { return func(s *settings) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *settings) { s.log = l } }

// WithGuestCache selects the cache-first guest strategy.
func WithGuestCache(c GuestCache) Option { return func(s *settings) { s.guestCache = c } }

// WithPlanCache shares the active plan list across instances.
func WithPlanCache(c PlanCache) Option { return func(s *settings) { s.planCache = c } }

func WithCommitHook(h generic.CommitHook) Option {
	return func(s *settings) { s.hooks = append(s.hooks, h) }
}

func WithIDGenerator(fn func() string) Option { return func(s *settings) { s.newID = fn } }

// WithSweepWorkers bounds the monthly sweep's concurrency and queue.
func WithSweepWorkers(workers, queueSize int) Option {
	return func(s *settings) {
		if workers > 0 {
			s.workers = workers
		}
		if queueSize > 0 {
			s.queueSize = queueSize
		}
	}
}

func New(store generic.DurableStore, opts ...Option) *Service {
	s := settings{
		policy:    DefaultPolicy(),
		clock:     generic.SystemClock{},
		log:       zap.NewNop(),
		newID:     uuid.NewString,
		workers:   8,
		queueSize: 1024,
	}
	for _, opt := range opts {
		opt(&s)
	}
	policy := s.policy.withDefaults()

	ledgerOpts := []generic.Option{
		generic.WithClock(s.clock),
		generic.WithMaxDebit(policy.MaxDebit),
		generic.WithIDGenerator(s.newID),
		generic.WithObserver(metrics.ObserveLedger),
	}
	for _, h := range s.hooks {
		ledgerOpts = append(ledgerOpts, generic.WithCommitHook(h))
	}

	return &Service{
		ledger:    generic.NewLedger(store, ledgerOpts...),
		store:     store,
		guests:    NewGuestBalances(store, s.guestCache, policy, s.clock, s.log),
		catalog:   NewCatalog(store, s.planCache, policy.CatalogTTL, s.clock, s.log),
		policy:    policy,
		clock:     s.clock,
		log:       s.log,
		newID:     s.newID,
		workers:   s.workers,
		queueSize: s.queueSize,
	}
}

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) Catalog() *Catalog { return s.catalog }

func (s *Service) IsGuest(id generic.PrincipalID) bool { return s.policy.IsGuest(id) }

// CalculateCredits prices generated text under the configured
// characters-per-credit rate.
func (s *Service) CalculateCredits(text string) generic.Amount {
	return CostForChars(utf8.RuneCountInString(text), s.policy.CharsPerCredit)
}

// =============================================================================
// ACCOUNTS AND LEDGER
// =============================================================================

// OpenAccount creates a zero, not-yet-bonused balance. Idempotent.
func (s *Service) OpenAccount(ctx context.Context, id generic.PrincipalID) (generic.Balance, error) {
	return s.ledger.OpenAccount(ctx, id)
}

// RegisterUser opens the account and grants the new-account bonus. A
// repeated call returns the current balance without a second bonus.
func (s *Service) RegisterUser(ctx context.Context, id generic.PrincipalID) (generic.Balance, error) {
	if _, err := s.ledger.OpenAccount(ctx, id); err != nil {
		return generic.Balance{}, err
	}
	_, err := s.AllocateNewAccountBonus(ctx, id)
	if err != nil && !errors.Is(err, generic.ErrAlreadyBonused) {
		return generic.Balance{}, err
	}
	return s.ledger.Balance(ctx, id)
}

func (s *Service) GetBalance(ctx context.Context, id generic.PrincipalID) (generic.Balance, error) {
	return s.ledger.Balance(ctx, id)
}

func (s *Service) Debit(ctx context.Context, id generic.PrincipalID, amount generic.Amount, description string, metadata map[string]any) (generic.Transaction, error) {
	return s.ledger.Debit(ctx, id, amount, description, metadata)
}

func (s *Service) Credit(ctx context.Context, id generic.PrincipalID, amount generic.Amount, kind generic.TransactionKind, description string, metadata map[string]any) (generic.Transaction, error) {
	return s.ledger.Credit(ctx, id, amount, kind, description, metadata)
}

func (s *Service) GetTransactionHistory(ctx context.Context, id generic.PrincipalID, page generic.Page) (generic.TransactionPage, error) {
	return s.ledger.History(ctx, id, page)
}

// =============================================================================
// GUESTS
// =============================================================================

func (s *Service) InitializeGuestBalance(ctx context.Context, sessionID generic.PrincipalID) (generic.GuestBalance, error) {
	return s.guests.Initialize(ctx, sessionID)
}

// GetGuestBalance fails with ErrGuestNotFound when the session has no live
// balance; callers then initialize it.
func (s *Service) GetGuestBalance(ctx context.Context, sessionID generic.PrincipalID) (generic.GuestBalance, error) {
	return s.guests.Get(ctx, sessionID)
}

func (s *Service) DeductGuestCredits(ctx context.Context, sessionID generic.PrincipalID, amount generic.Amount) (generic.GuestBalance, error) {
	return s.guests.Deduct(ctx, sessionID, amount)
}

// PurgeExpiredGuests deletes durable guest rows past their expiry. Cached
// sessions expire by TTL.
func (s *Service) PurgeExpiredGuests(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpiredGuests(ctx, s.clock.Now())
	if err != nil {
		return 0, generic.Internal("purge guests", err)
	}
	s.log.Info("Purged expired guest balances", zap.Int64("count", n))
	return n, nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *Service) ListActivePlans(ctx context.Context) ([]generic.Plan, error) {
	return s.catalog.ListActivePlans(ctx)
}

func (s *Service) GetPlan(ctx context.Context, id generic.PlanID) (generic.Plan, error) {
	return s.catalog.GetPlan(ctx, id)
}

// SavePlan is the admin write path; it invalidates the cached list.
func (s *Service) SavePlan(ctx context.Context, plan generic.Plan) error {
	if plan.ID == "" {
		return fmt.Errorf("%w: plan id is required", generic.ErrInvalidAmount)
	}
	plan.Credits = plan.Credits.Round()
	plan.Price = plan.Price.Round()
	if !plan.Credits.IsPositive() || plan.Price.IsNegative() {
		return fmt.Errorf("%w: plan %s needs positive credits and a non-negative price", generic.ErrInvalidAmount, plan.ID)
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = s.clock.Now()
	}
	return s.catalog.SavePlan(ctx, plan)
}
