package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	ThrottleScopeBuyer   = "buyer"
	ThrottleScopeListing = "listing"
)

// Sliding-window log per scope. KEYS[1] is the buyer's log, KEYS[2] the
// buyer's log on one listing. A denied attempt is not recorded, so a buyer
// hammering the endpoint does not extend their own lockout.
//
// ARGV: now_ms, member, buyer_limit, buyer_window_ms, listing_limit, listing_window_ms
var offerThrottleScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local scopes = {
  {KEYS[1], tonumber(ARGV[3]), tonumber(ARGV[4])},
  {KEYS[2], tonumber(ARGV[5]), tonumber(ARGV[6])},
}
for i, s in ipairs(scopes) do
  if s[2] > 0 then
    redis.call("ZREMRANGEBYSCORE", s[1], "-inf", now - s[3])
    if redis.call("ZCARD", s[1]) >= s[2] then
      local oldest = redis.call("ZRANGE", s[1], 0, 0, "WITHSCORES")
      local retry = s[3]
      if oldest[2] then
        retry = tonumber(oldest[2]) + s[3] - now
      end
      return {0, i, retry}
    end
  end
end
for _, s in ipairs(scopes) do
  if s[2] > 0 then
    redis.call("ZADD", s[1], now, ARGV[2])
    redis.call("PEXPIRE", s[1], s[3])
  end
end
return {1, 0, 0}
`)

// OfferLimits bounds offer submissions. A zero limit disables its scope.
type OfferLimits struct {
	PerBuyer      int
	BuyerWindow   time.Duration
	PerListing    int
	ListingWindow time.Duration
}

func (l OfferLimits) enabled() bool {
	return (l.PerBuyer > 0 && l.BuyerWindow > 0) || (l.PerListing > 0 && l.ListingWindow > 0)
}

// ThrottleDecision is the throttle's answer for one submission. Scope names the
// exhausted budget when Allowed is false.
type ThrottleDecision struct {
	Allowed           bool
	Scope             string
	RetryAfterSeconds int
}

// RedisOfferThrottle shares offer submission budgets across replicas.
type RedisOfferThrottle struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisOfferThrottle(client redis.UniversalClient, prefix string) *RedisOfferThrottle {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "escrow:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisOfferThrottle{
		client: client,
		prefix: trimmedPrefix,
		now:    time.Now,
	}
}

func (r *RedisOfferThrottle) keys(buyerID, propertyID uuid.UUID) []string {
	return []string{
		fmt.Sprintf("%s:offers:buyer:%s", r.prefix, buyerID),
		fmt.Sprintf("%s:offers:listing:%s:buyer:%s", r.prefix, propertyID, buyerID),
	}
}

// ConsumeOfferSubmission records a submission by buyerID on propertyID if both
// budgets have room.
func (r *RedisOfferThrottle) ConsumeOfferSubmission(ctx context.Context, buyerID, propertyID uuid.UUID, limits OfferLimits) (ThrottleDecision, error) {
	if r == nil || r.client == nil || !limits.enabled() {
		return ThrottleDecision{Allowed: true}, nil
	}

	raw, err := offerThrottleScript.Run(ctx, r.client, r.keys(buyerID, propertyID),
		r.now().UnixMilli(),
		uuid.NewString(),
		limits.PerBuyer, windowMillis(limits.BuyerWindow),
		limits.PerListing, windowMillis(limits.ListingWindow),
	).Result()
	if err != nil {
		return ThrottleDecision{}, err
	}
	return parseThrottleReply(raw)
}

func windowMillis(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms >= 1000 {
		return ms
	}
	return 1000
}

func parseThrottleReply(raw interface{}) (ThrottleDecision, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return ThrottleDecision{}, fmt.Errorf("unexpected offer throttle response shape: %T", raw)
	}
	ints := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return ThrottleDecision{}, fmt.Errorf("unexpected offer throttle value type at %d: %T", i, v)
		}
		ints[i] = n
	}
	if ints[0] == 1 {
		return ThrottleDecision{Allowed: true}, nil
	}

	scope := ThrottleScopeBuyer
	if ints[1] == 2 {
		scope = ThrottleScopeListing
	}
	retryAfter := int(math.Ceil(float64(ints[2]) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return ThrottleDecision{Scope: scope, RetryAfterSeconds: retryAfter}, nil
}
