// Package redis provides the Redis-backed caches for the credit engine.
//
// GuestCache holds ephemeral guest-session balances as hashes with a TTL;
// deductions run in a Lua script so the read-compare-write is atomic across
// instances. Amounts are stored as integer cents so the script's arithmetic
// is exact. PlanCache holds the serialized list of active catalog plans.
//
// Every transport failure is reported as generic.ErrCacheUnavailable so
// callers can fall back to the durable store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/warp/credit-engine/generic"
)

// Option configures the caches.
type Option func(*options)

type options struct {
	keyPrefix string
}

// WithKeyPrefix sets the Redis key prefix (default "credits:").
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

func buildOptions(opts []Option) options {
	o := options{keyPrefix: "credits:"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// unavailable classifies a client error. goredis.Nil is a miss, not an outage.
func unavailable(op string, err error) error {
	return fmt.Errorf("credits/redis: %s: %w: %v", op, generic.ErrCacheUnavailable, err)
}

// =============================================================================
// GUEST CACHE
// =============================================================================

// GuestCache stores guest balances in Redis hashes.
type GuestCache struct {
	client    goredis.Cmdable
	keyPrefix string
}

// NewGuestCache creates a guest cache on a connected client.
func NewGuestCache(client goredis.Cmdable, opts ...Option) *GuestCache {
	o := buildOptions(opts)
	return &GuestCache{client: client, keyPrefix: o.keyPrefix + "guest:"}
}

func (c *GuestCache) key(id generic.PrincipalID) string {
	return c.keyPrefix + string(id)
}

// PutGuest writes the balance and sets the key to expire at g.ExpiresAt.
func (c *GuestCache) PutGuest(ctx context.Context, g generic.GuestBalance) error {
	key := c.key(g.SessionID)
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"cents", g.Amount.Cents(),
			"expires_at_ms", g.ExpiresAt.UnixMilli(),
			"created_at_ms", g.CreatedAt.UnixMilli(),
			"updated_at_ms", g.UpdatedAt.UnixMilli(),
		)
		pipe.PExpireAt(ctx, key, g.ExpiresAt)
		return nil
	})
	if err != nil {
		return unavailable("put guest", err)
	}
	return nil
}

// GetGuest returns generic.ErrGuestNotFound on a miss.
func (c *GuestCache) GetGuest(ctx context.Context, id generic.PrincipalID, now time.Time) (generic.GuestBalance, error) {
	fields, err := c.client.HGetAll(ctx, c.key(id)).Result()
	if err != nil {
		return generic.GuestBalance{}, unavailable("get guest", err)
	}
	if len(fields) == 0 {
		return generic.GuestBalance{}, generic.ErrGuestNotFound
	}
	g, err := decodeGuest(id, fields)
	if err != nil {
		return generic.GuestBalance{}, err
	}
	if g.Expired(now) {
		return generic.GuestBalance{}, generic.ErrGuestNotFound
	}
	return g, nil
}

func decodeGuest(id generic.PrincipalID, fields map[string]string) (generic.GuestBalance, error) {
	ints := make(map[string]int64, len(fields))
	for _, name := range []string{"cents", "expires_at_ms", "created_at_ms", "updated_at_ms"} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return generic.GuestBalance{}, fmt.Errorf("credits/redis: corrupt guest field %s: %w", name, err)
		}
		ints[name] = v
	}
	return generic.GuestBalance{
		SessionID: id,
		Amount:    generic.AmountFromCents(ints["cents"]),
		ExpiresAt: time.UnixMilli(ints["expires_at_ms"]).UTC(),
		CreatedAt: time.UnixMilli(ints["created_at_ms"]).UTC(),
		UpdatedAt: time.UnixMilli(ints["updated_at_ms"]).UTC(),
	}, nil
}

// deductScript atomically subtracts from a guest balance and pushes its
// expiry out to now + ttl.
// KEYS[1] = guest hash key
// ARGV[1] = amount in cents
// ARGV[2] = now (unix millis)
// ARGV[3] = ttl (millis)
//
// Returns {code, cents, expires_at_ms, created_at_ms}:
//
//	 1 = deducted, cents is the new balance
//	-1 = missing or expired
//	-2 = insufficient, cents is the current balance
var deductScript = goredis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local cur = redis.call("HGET", key, "cents")
if not cur then
    return {-1, 0, 0, 0}
end
local expires = tonumber(redis.call("HGET", key, "expires_at_ms") or "0")
local created = tonumber(redis.call("HGET", key, "created_at_ms") or "0")
if expires > 0 and now >= expires then
    redis.call("DEL", key)
    return {-1, 0, 0, 0}
end

cur = tonumber(cur)
if amount > cur then
    return {-2, cur, expires, created}
end

local nxt = cur - amount
local new_expires = now + tonumber(ARGV[3])
redis.call("HSET", key, "cents", nxt, "updated_at_ms", now, "expires_at_ms", new_expires)
redis.call("PEXPIREAT", key, new_expires)
return {1, nxt, new_expires, created}
`)

// DeductGuest subtracts amount or fails with InsufficientCreditsError.
// A successful deduct refreshes the entry's TTL.
func (c *GuestCache) DeductGuest(ctx context.Context, id generic.PrincipalID, amount generic.Amount, now time.Time, ttl time.Duration) (generic.GuestBalance, error) {
	res, err := deductScript.Run(ctx, c.client,
		[]string{c.key(id)},
		amount.Cents(), now.UnixMilli(), ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return generic.GuestBalance{}, unavailable("deduct guest", err)
	}
	if len(res) != 4 {
		return generic.GuestBalance{}, fmt.Errorf("credits/redis: unexpected deduct result: %v", res)
	}

	switch res[0] {
	case 1:
		return generic.GuestBalance{
			SessionID: id,
			Amount:    generic.AmountFromCents(res[1]),
			ExpiresAt: time.UnixMilli(res[2]).UTC(),
			CreatedAt: time.UnixMilli(res[3]).UTC(),
			UpdatedAt: now.UTC().Truncate(time.Millisecond),
		}, nil
	case -1:
		return generic.GuestBalance{}, generic.ErrGuestNotFound
	case -2:
		return generic.GuestBalance{}, &generic.InsufficientCreditsError{
			PrincipalID: id,
			Available:   generic.AmountFromCents(res[1]),
			Requested:   amount,
		}
	default:
		return generic.GuestBalance{}, fmt.Errorf("credits/redis: unexpected deduct code: %d", res[0])
	}
}

func (c *GuestCache) DeleteGuest(ctx context.Context, id generic.PrincipalID) error {
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		return unavailable("delete guest", err)
	}
	return nil
}

// =============================================================================
// PLAN CACHE
// =============================================================================

// PlanCache stores the active plan list as one JSON value.
type PlanCache struct {
	client goredis.Cmdable
	key    string
}

func NewPlanCache(client goredis.Cmdable, opts ...Option) *PlanCache {
	o := buildOptions(opts)
	return &PlanCache{client: client, key: o.keyPrefix + "plans:active"}
}

type cachedPlan struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Credits      generic.Amount `json:"credits"`
	Price        generic.Amount `json:"price"`
	Description  string         `json:"description,omitempty"`
	IsActive     bool           `json:"is_active"`
	DisplayOrder int            `json:"display_order"`
	CreatedAt    time.Time      `json:"created_at"`
}

// GetActivePlans reports a miss with ok=false and a nil error.
func (c *PlanCache) GetActivePlans(ctx context.Context) ([]generic.Plan, bool, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get plans", err)
	}

	var cached []cachedPlan
	if err := json.Unmarshal(raw, &cached); err != nil {
		// Treat a corrupt entry as a miss; the next Set overwrites it.
		return nil, false, nil
	}
	plans := make([]generic.Plan, len(cached))
	for i, p := range cached {
		plans[i] = generic.Plan{
			ID:           generic.PlanID(p.ID),
			Name:         p.Name,
			Credits:      p.Credits,
			Price:        p.Price,
			Description:  p.Description,
			IsActive:     p.IsActive,
			DisplayOrder: p.DisplayOrder,
			CreatedAt:    p.CreatedAt,
		}
	}
	return plans, true, nil
}

func (c *PlanCache) SetActivePlans(ctx context.Context, plans []generic.Plan, ttl time.Duration) error {
	cached := make([]cachedPlan, len(plans))
	for i, p := range plans {
		cached[i] = cachedPlan{
			ID:           string(p.ID),
			Name:         p.Name,
			Credits:      p.Credits,
			Price:        p.Price,
			Description:  p.Description,
			IsActive:     p.IsActive,
			DisplayOrder: p.DisplayOrder,
			CreatedAt:    p.CreatedAt,
		}
	}
	raw, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("credits/redis: encode plans: %w", err)
	}
	if err := c.client.Set(ctx, c.key, raw, ttl).Err(); err != nil {
		return unavailable("set plans", err)
	}
	return nil
}

func (c *PlanCache) InvalidateActivePlans(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return unavailable("invalidate plans", err)
	}
	return nil
}

// =============================================================================
// CLIENT
// =============================================================================

// Connect parses a redis:// URL and verifies the server answers PING.
func Connect(ctx context.Context, url string, dialTimeout time.Duration) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("credits/redis: parse url: %w", err)
	}
	if dialTimeout > 0 {
		opt.DialTimeout = dialTimeout
		opt.ReadTimeout = dialTimeout
		opt.WriteTimeout = dialTimeout
	}
	client := goredis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable("ping", err)
	}
	return client, nil
}
