package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/rosterlab/rosterd/kv"
)

// deny reasons reported by the check script.
const (
	reasonAllowed = iota
	reasonBucket
	reasonMinute
	reasonHour
)

// checkScript performs the full admission decision atomically: refill and
// consume the token bucket, prune and count both sliding windows, and
// record the request only when every gate passes.
//
// KEYS: bucket hash, minute zset, hour zset.
// ARGV: now-ms, burst, refill-rate, per-minute, per-hour, member.
// Returns {allowed, tokens-floor, minute-remaining, hour-remaining, reason}.
const checkScript = `
local bucket, minwin, hourwin = KEYS[1], KEYS[2], KEYS[3]
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local refill = tonumber(ARGV[3])
local permin = tonumber(ARGV[4])
local perhour = tonumber(ARGV[5])
local member = ARGV[6]

local tokens = burst
local last = now
local state = redis.call('HMGET', bucket, 'tokens', 'last')
if state[1] then tokens = tonumber(state[1]) end
if state[2] then last = tonumber(state[2]) end
tokens = math.min(burst, tokens + (now - last) / 1000 * refill)

redis.call('ZREMRANGEBYSCORE', minwin, 0, now - 60000)
redis.call('ZREMRANGEBYSCORE', hourwin, 0, now - 3600000)
local mcount = redis.call('ZCARD', minwin)
local hcount = redis.call('ZCARD', hourwin)

local allowed = 0
local reason = 0
if tokens < 1 then
  reason = 1
elseif mcount >= permin then
  reason = 2
elseif hcount >= perhour then
  reason = 3
else
  allowed = 1
  tokens = tokens - 1
  redis.call('ZADD', minwin, now, member)
  redis.call('ZADD', hourwin, now, member)
end

redis.call('HMSET', bucket, 'tokens', tostring(tokens), 'last', tostring(now))
redis.call('EXPIRE', bucket, 7200)
redis.call('EXPIRE', minwin, 120)
redis.call('EXPIRE', hourwin, 7200)
return {allowed, math.floor(tokens), permin - mcount - allowed, perhour - hcount - allowed, reason}
`

// RegisterScripts installs the native equivalents of this package's Eval
// scripts on an in-memory store, for tests and storeless deployments.
func RegisterScripts(m *kv.Mem) {
	m.RegisterScript(checkScript, checkNative)
}

// checkNative is the in-memory twin of checkScript. It runs under the
// store lock and must stay behaviorally identical to the Lua body.
func checkNative(m *kv.Mem, now time.Time, keys []string, args []any) (any, error) {
	bucket, minwin, hourwin := keys[0], keys[1], keys[2]
	nowMs := argFloat(args[0])
	burst := argFloat(args[1])
	refill := argFloat(args[2])
	perMin := int64(argFloat(args[3]))
	perHour := int64(argFloat(args[4]))
	member := fmt.Sprint(args[5])

	h := m.LockedHash(bucket)
	tokens, last := burst, nowMs
	if v, ok := h["tokens"]; ok {
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := h["last"]; ok {
		last, _ = strconv.ParseFloat(v, 64)
	}
	tokens = math.Min(burst, tokens+(nowMs-last)/1000*refill)

	minZ := m.LockedZSet(minwin)
	for mem, score := range minZ {
		if score <= nowMs-60000 {
			delete(minZ, mem)
		}
	}
	hourZ := m.LockedZSet(hourwin)
	for mem, score := range hourZ {
		if score <= nowMs-3600000 {
			delete(hourZ, mem)
		}
	}
	mcount, hcount := int64(len(minZ)), int64(len(hourZ))

	var allowed, reason int64
	switch {
	case tokens < 1:
		reason = reasonBucket
	case mcount >= perMin:
		reason = reasonMinute
	case hcount >= perHour:
		reason = reasonHour
	default:
		allowed = 1
		tokens--
		minZ[member] = nowMs
		hourZ[member] = nowMs
	}

	h["tokens"] = strconv.FormatFloat(tokens, 'f', -1, 64)
	h["last"] = strconv.FormatFloat(nowMs, 'f', -1, 64)
	m.LockedExpire(bucket, 2*time.Hour)
	m.LockedExpire(minwin, 2*time.Minute)
	m.LockedExpire(hourwin, 2*time.Hour)

	return []any{allowed, int64(math.Floor(tokens)),
		perMin - mcount - allowed, perHour - hcount - allowed, reason}, nil
}

func argFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

// Decision is the outcome of one admission check, with everything the
// HTTP layer needs for response headers.
type Decision struct {
	Allowed bool
	Tier    Tier

	RemainingMinute int
	RemainingHour   int
	BurstRemaining  int

	// ResetAt is when a denied request may next succeed.
	ResetAt time.Time
}

// Headers renders the decision as the response header contract.
func (d *Decision) Headers() map[string]string {
	return map[string]string{
		"X-RateLimit-Remaining-Minute": strconv.Itoa(d.RemainingMinute),
		"X-RateLimit-Remaining-Hour":   strconv.Itoa(d.RemainingHour),
		"X-RateLimit-Burst-Remaining":  strconv.Itoa(d.BurstRemaining),
		"X-RateLimit-Reset":            strconv.FormatInt(d.ResetAt.Unix(), 10),
		"X-RateLimit-Tier":             string(d.Tier),
	}
}

// Limiter is the admission gate called before any expensive downstream.
type Limiter struct {
	logger hclog.Logger
	store  kv.Store
	cfg    *Config

	// nowFn supplies the clock; tests replace it.
	nowFn func() time.Time
}

// NewLimiter builds a limiter over the shared store. A nil config gets
// the defaults.
func NewLimiter(logger hclog.Logger, store kv.Store, cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{
		logger: logger.Named("ratelimit"),
		store:  store,
		cfg:    cfg,
		nowFn:  time.Now,
	}
}

// Check decides admission for one request. Internal traffic bypasses the
// store entirely; store faults fail open with a metric so an
// infrastructure outage never blocks the request path.
func (l *Limiter) Check(ctx context.Context, clientID, endpoint string, tier Tier) *Decision {
	defer metrics.MeasureSince([]string{"rate_limit", "check", "duration"}, time.Now())

	now := l.nowFn()
	if tier == TierInternal {
		return &Decision{Allowed: true, Tier: tier, ResetAt: now}
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	custom, err := l.loadPolicy(ctx, clientID)
	if err != nil {
		return l.failOpen(tier, now, err)
	}
	limits := l.cfg.effective(tier, endpoint, custom)

	keys := []string{
		"ratelimit:bucket:" + clientID + ":" + endpoint,
		"ratelimit:win60:" + clientID + ":" + endpoint,
		"ratelimit:win3600:" + clientID + ":" + endpoint,
	}
	raw, err := l.store.Eval(ctx, checkScript, keys,
		now.UnixMilli(), limits.Burst, limits.RefillRate,
		limits.PerMinute, limits.PerHour, uuid.NewString())
	if err != nil {
		return l.failOpen(tier, now, err)
	}

	vals, err := toInt64s(raw, 5)
	if err != nil {
		return l.failOpen(tier, now, err)
	}

	d := &Decision{
		Allowed:         vals[0] == 1,
		Tier:            tier,
		BurstRemaining:  int(vals[1]),
		RemainingMinute: clampInt(vals[2]),
		RemainingHour:   clampInt(vals[3]),
		ResetAt:         now,
	}
	if !d.Allowed {
		switch vals[4] {
		case reasonBucket:
			wait := 1.0
			if limits.RefillRate > 0 {
				wait = 1 / limits.RefillRate
			}
			d.ResetAt = now.Add(time.Duration(wait * float64(time.Second)))
		case reasonMinute:
			d.ResetAt = now.Add(time.Minute)
		case reasonHour:
			d.ResetAt = now.Add(time.Hour)
		}
		metrics.IncrCounterWithLabels([]string{"rate_limit", "deny"}, 1,
			[]metrics.Label{{Name: "tier", Value: string(tier)}})
	} else {
		metrics.IncrCounterWithLabels([]string{"rate_limit", "allow"}, 1,
			[]metrics.Label{{Name: "tier", Value: string(tier)}})
	}
	return d
}

// SetPolicy stores a custom per-client policy that overrides the tier
// table until the TTL lapses, after which the client falls back to its
// tier.
func (l *Limiter) SetPolicy(ctx context.Context, clientID string, limits Limits, ttl time.Duration) error {
	raw, err := encodePolicy(limits)
	if err != nil {
		return err
	}
	return l.store.SetEx(ctx, policyKey(clientID), ttl, raw)
}

// RemovePolicy drops a custom policy ahead of its TTL.
func (l *Limiter) RemovePolicy(ctx context.Context, clientID string) error {
	return l.store.Del(ctx, policyKey(clientID))
}

func (l *Limiter) loadPolicy(ctx context.Context, clientID string) (*Limits, error) {
	raw, err := l.store.Get(ctx, policyKey(clientID))
	if err == kv.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodePolicy(raw)
}

func (l *Limiter) failOpen(tier Tier, now time.Time, err error) *Decision {
	metrics.IncrCounter([]string{"rate_limit", "store_error"}, 1)
	l.logger.Warn("store unavailable, failing open", "error", err)
	return &Decision{
		Allowed:         true,
		Tier:            tier,
		RemainingMinute: -1,
		RemainingHour:   -1,
		BurstRemaining:  -1,
		ResetAt:         now,
	}
}

func policyKey(clientID string) string {
	return "ratelimit:policy:" + clientID
}

func encodePolicy(limits Limits) (string, error) {
	raw, err := limitsJSON(limits)
	if err != nil {
		return "", fmt.Errorf("policy encode failed: %w", err)
	}
	return raw, nil
}

// toInt64s normalizes an Eval reply into n integers.
func toInt64s(raw any, n int) ([]int64, error) {
	arr, ok := raw.([]any)
	if !ok || len(arr) < n {
		return nil, fmt.Errorf("unexpected script reply %T", raw)
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		switch v := arr[i].(type) {
		case int64:
			out[i] = v
		case int:
			out[i] = int64(v)
		case float64:
			out[i] = int64(v)
		default:
			return nil, fmt.Errorf("unexpected script reply element %T", arr[i])
		}
	}
	return out, nil
}

func clampInt(v int64) int {
	if v < 0 {
		return 0
	}
	return int(v)
}
