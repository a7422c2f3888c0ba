/*
guest.go - Balances for anonymous guest sessions

PURPOSE:
  Guests get a fixed starting balance that lives for GuestTTL. Their
  balances are ephemeral and never written to the transaction log.

STRATEGIES:
  durableGuests: Every operation goes to the durable GuestStore.
  cachedGuests:  Operations go to the GuestCache first. When the cache
                 reports ErrCacheUnavailable the same operation is served
                 by the durable store, so an outage never fails a request.
                 A cache miss also consults the durable store, because a
                 session created during an outage lives only there.

  NewGuestBalances picks the strategy once, at construction. Nothing
  downstream checks whether a cache is configured.

TTL:
  Every successful deduct pushes ExpiresAt to now + GuestTTL, in either
  store. Reads never extend it.

SEE ALSO:
  - store/redis/redis.go: GuestCache implementation
  - migrate.go: Moves a guest's residual balance to a user
*/
package credits

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/warp/credit-engine/generic"
	"github.com/warp/credit-engine/metrics"
)

// GuestCache is the fast ephemeral store. Transport failures must be
// reported as generic.ErrCacheUnavailable, misses as generic.ErrGuestNotFound.
type GuestCache interface {
	PutGuest(ctx context.Context, g generic.GuestBalance) error
	GetGuest(ctx context.Context, id generic.PrincipalID, now time.Time) (generic.GuestBalance, error)
	DeductGuest(ctx context.Context, id generic.PrincipalID, amount generic.Amount, now time.Time, ttl time.Duration) (generic.GuestBalance, error)
	DeleteGuest(ctx context.Context, id generic.PrincipalID) error
}

// GuestBalances is the guest layer seen by the Service.
type GuestBalances interface {
	// Initialize creates the session's balance, or returns the live one if
	// the session already has it.
	Initialize(ctx context.Context, id generic.PrincipalID) (generic.GuestBalance, error)
	Get(ctx context.Context, id generic.PrincipalID) (generic.GuestBalance, error)
	Deduct(ctx context.Context, id generic.PrincipalID, amount generic.Amount) (generic.GuestBalance, error)
	Remove(ctx context.Context, id generic.PrincipalID) error
}

// NewGuestBalances returns the cache-backed strategy when cache is non-nil,
// the durable one otherwise.
func NewGuestBalances(durable generic.GuestStore, cache GuestCache, policy Policy, clock generic.Clock, log *zap.Logger) GuestBalances {
	d := &durableGuests{store: durable, policy: policy, clock: clock}
	if cache == nil {
		return d
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &cachedGuests{cache: cache, durable: d, log: log}
}

func (p Policy) newGuest(id generic.PrincipalID, now time.Time) generic.GuestBalance {
	return generic.GuestBalance{
		SessionID: id,
		Amount:    p.GuestInitialBalance,
		ExpiresAt: now.Add(p.GuestTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// =============================================================================
// DURABLE STRATEGY
// =============================================================================

type durableGuests struct {
	store  generic.GuestStore
	policy Policy
	clock  generic.Clock
}

func (d *durableGuests) Initialize(ctx context.Context, id generic.PrincipalID) (generic.GuestBalance, error) {
	now := d.clock.Now()
	existing, err := d.store.GetGuestBalance(ctx, id, now)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, generic.ErrGuestNotFound) {
		return generic.GuestBalance{}, generic.Internal("get guest", err)
	}

	g := d.policy.newGuest(id, now)
	if err := d.store.PutGuestBalance(ctx, g); err != nil {
		return generic.GuestBalance{}, generic.Internal("put guest", err)
	}
	return g, nil
}

func (d *durableGuests) Get(ctx context.Context, id generic.PrincipalID) (generic.GuestBalance, error) {
	g, err := d.store.GetGuestBalance(ctx, id, d.clock.Now())
	return g, generic.Internal("get guest", err)
}

func (d *durableGuests) Deduct(ctx context.Context, id generic.PrincipalID, amount generic.Amount) (generic.GuestBalance, error) {
	amount, err := generic.ValidateDebit(amount, d.policy.MaxDebit)
	if err != nil {
		return generic.GuestBalance{}, err
	}
	now := d.clock.Now()
	g, err := d.store.UpdateGuestBalance(ctx, id, now, func(g generic.GuestBalance) (generic.GuestBalance, error) {
		if g.Amount.LessThan(amount) {
			return g, &generic.InsufficientCreditsError{PrincipalID: id, Available: g.Amount, Requested: amount}
		}
		g.Amount = g.Amount.Sub(amount)
		g.UpdatedAt = now
		g.ExpiresAt = now.Add(d.policy.GuestTTL)
		return g, nil
	})
	return g, generic.Internal("deduct guest", err)
}

func (d *durableGuests) Remove(ctx context.Context, id generic.PrincipalID) error {
	return generic.Internal("delete guest", d.store.DeleteGuestBalance(ctx, id))
}

// =============================================================================
// CACHE-FIRST STRATEGY
// =============================================================================

type cachedGuests struct {
	cache   GuestCache
	durable *durableGuests
	log     *zap.Logger
}

// fellBack reports whether err is a cache outage, logging and counting it.
func (c *cachedGuests) fellBack(op string, id generic.PrincipalID, err error) bool {
	if !errors.Is(err, generic.ErrCacheUnavailable) {
		return false
	}
	metrics.CacheFallbacks.WithLabelValues("guest", op).Inc()
	c.log.Warn("Guest cache unavailable, using durable store",
		zap.String("op", op),
		zap.String("session_id", string(id)),
		zap.Error(err))
	return true
}

func (c *cachedGuests) Initialize(ctx context.Context, id generic.PrincipalID) (generic.GuestBalance, error) {
	now := c.durable.clock.Now()
	existing, err := c.cache.GetGuest(ctx, id, now)
	switch {
	case err == nil:
		return existing, nil
	case c.fellBack("initialize", id, err):
		return c.durable.Initialize(ctx, id)
	case !errors.Is(err, generic.ErrGuestNotFound):
		return generic.GuestBalance{}, generic.Internal("get guest", err)
	}

	// A session opened while the cache was down lives in the durable store.
	existing, err = c.durable.store.GetGuestBalance(ctx, id, now)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, generic.ErrGuestNotFound) {
		return generic.GuestBalance{}, generic.Internal("get guest", err)
	}

	g := c.durable.policy.newGuest(id, now)
	if err := c.cache.PutGuest(ctx, g); err != nil {
		if !c.fellBack("initialize", id, err) {
			return generic.GuestBalance{}, generic.Internal("put guest", err)
		}
		if err := c.durable.store.PutGuestBalance(ctx, g); err != nil {
			return generic.GuestBalance{}, generic.Internal("put guest", err)
		}
	}
	return g, nil
}

func (c *cachedGuests) Get(ctx context.Context, id generic.PrincipalID) (generic.GuestBalance, error) {
	g, err := c.cache.GetGuest(ctx, id, c.durable.clock.Now())
	if err == nil {
		return g, nil
	}
	if errors.Is(err, generic.ErrGuestNotFound) || c.fellBack("get", id, err) {
		return c.durable.Get(ctx, id)
	}
	return generic.GuestBalance{}, generic.Internal("get guest", err)
}

func (c *cachedGuests) Deduct(ctx context.Context, id generic.PrincipalID, amount generic.Amount) (generic.GuestBalance, error) {
	amount, err := generic.ValidateDebit(amount, c.durable.policy.MaxDebit)
	if err != nil {
		return generic.GuestBalance{}, err
	}
	now := c.durable.clock.Now()
	g, err := c.cache.DeductGuest(ctx, id, amount, now, c.durable.policy.GuestTTL)
	if err == nil {
		return g, nil
	}
	if errors.Is(err, generic.ErrGuestNotFound) || c.fellBack("deduct", id, err) {
		return c.durable.Deduct(ctx, id, amount)
	}
	return generic.GuestBalance{}, generic.Internal("deduct guest", err)
}

// Remove clears the session from both stores. A cache outage is logged and
// ignored; the cache entry expires on its own.
func (c *cachedGuests) Remove(ctx context.Context, id generic.PrincipalID) error {
	if err := c.cache.DeleteGuest(ctx, id); err != nil && !c.fellBack("remove", id, err) {
		return generic.Internal("delete guest", err)
	}
	return c.durable.Remove(ctx, id)
}
