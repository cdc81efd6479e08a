package kv

import (
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ScriptFunc is the native implementation of an Eval script registered with
// the in-memory store. The function runs under the store lock, giving it
// the same atomicity a Lua script has against Redis.
type ScriptFunc func(m *Mem, now time.Time, keys []string, args []any) (any, error)

// Mem is an in-process Store used by tests and by single-node deployments
// that run without Redis. Time can be injected for deterministic tests.
type Mem struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	expiry  map[string]time.Time
	scripts map[string]ScriptFunc

	// nowFn supplies the clock; tests replace it.
	nowFn func() time.Time

	// failing simulates an unavailable store.
	failing bool
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		expiry:  make(map[string]time.Time),
		scripts: make(map[string]ScriptFunc),
		nowFn:   time.Now,
	}
}

// SetClock replaces the store clock, for deterministic TTL tests.
func (m *Mem) SetClock(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = fn
}

// SetFailing toggles simulated unavailability; every operation returns an
// error while set. Used to test fail-open and fail-closed paths.
func (m *Mem) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

// RegisterScript installs the native implementation for a script body.
func (m *Mem) RegisterScript(script string, fn ScriptFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[script] = fn
}

var errUnavailable = fmt.Errorf("kv: store unavailable")

func (m *Mem) check() error {
	if m.failing {
		return errUnavailable
	}
	return nil
}

// purge drops the key if its TTL has lapsed. Callers hold the lock.
func (m *Mem) purge(key string) {
	if at, ok := m.expiry[key]; ok && !m.nowFn().Before(at) {
		m.dropLocked(key)
	}
}

func (m *Mem) dropLocked(key string) {
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	delete(m.expiry, key)
}

func (m *Mem) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

func (m *Mem) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", err
	}
	m.purge(key)
	v, ok := m.strings[key]
	if !ok {
		return "", ErrNil
	}
	return v, nil
}

func (m *Mem) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.strings[key] = value
	delete(m.expiry, key)
	return nil
}

func (m *Mem) SetEx(ctx context.Context, key string, ttl time.Duration, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.strings[key] = value
	m.expiry[key] = m.nowFn().Add(ttl)
	return nil
}

func (m *Mem) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, key := range keys {
		m.dropLocked(key)
	}
	return nil
}

func (m *Mem) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	m.purge(key)
	cur, _ := strconv.ParseInt(m.strings[key], 10, 64)
	cur += n
	m.strings[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Mem) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.expiry[key] = m.nowFn().Add(ttl)
	return nil
}

func (m *Mem) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	at, ok := m.expiry[key]
	if !ok {
		return -1, nil
	}
	return at.Sub(m.nowFn()), nil
}

func (m *Mem) ZAdd(ctx context.Context, key string, members ...Z) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.purge(key)
	zs, ok := m.zsets[key]
	if !ok {
		zs = make(map[string]float64)
		m.zsets[key] = zs
	}
	for _, z := range members {
		zs[z.Member] = z.Score
	}
	return nil
}

func (m *Mem) ZRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, member := range members {
		delete(m.zsets[key], member)
	}
	return nil
}

func (m *Mem) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			delete(m.zsets[key], member)
		}
	}
	return nil
}

func (m *Mem) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	m.purge(key)
	return int64(len(m.zsets[key])), nil
}

func (m *Mem) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.purge(key)
	type zm struct {
		member string
		score  float64
	}
	all := make([]zm, 0, len(m.zsets[key]))
	for member, score := range m.zsets[key] {
		all = append(all, zm{member, score})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		return all[i].member < all[j].member
	})
	n := int64(len(all))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	for _, z := range all[start : stop+1] {
		out = append(out, z.member)
	}
	return out, nil
}

func (m *Mem) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.purge(key)
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

func (m *Mem) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.purge(key)
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Mem) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *Mem) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.purge(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *Mem) HGet(ctx context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", err
	}
	m.purge(key)
	v, ok := m.hashes[key][field]
	if !ok {
		return "", ErrNil
	}
	return v, nil
}

func (m *Mem) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.purge(key)
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// Eval runs the registered native implementation of the script under the
// store lock. Unknown scripts are an error so a missing registration fails
// loudly in tests.
func (m *Mem) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	fn, ok := m.scripts[script]
	if !ok {
		return nil, fmt.Errorf("kv: no native implementation registered for script")
	}
	return fn(m, m.nowFn(), keys, args)
}

func (m *Mem) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, 0, err
	}
	// The in-memory store scans everything in one pass.
	seen := make(map[string]struct{})
	for key := range m.strings {
		seen[key] = struct{}{}
	}
	for key := range m.hashes {
		seen[key] = struct{}{}
	}
	for key := range m.sets {
		seen[key] = struct{}{}
	}
	for key := range m.zsets {
		seen[key] = struct{}{}
	}
	var out []string
	for key := range seen {
		if ok, _ := path.Match(match, key); ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, 0, nil
}

// The helpers below are exported for ScriptFunc implementations, which run
// while the store lock is held and therefore must not call the public API.

// LockedGetString reads a string key without taking the lock.
func (m *Mem) LockedGetString(key string) (string, bool) {
	m.purge(key)
	v, ok := m.strings[key]
	return v, ok
}

// LockedSetString writes a string key without taking the lock.
func (m *Mem) LockedSetString(key, value string, ttl time.Duration) {
	m.strings[key] = value
	if ttl > 0 {
		m.expiry[key] = m.nowFn().Add(ttl)
	}
}

// LockedHash returns the mutable hash at key, creating it if needed.
func (m *Mem) LockedHash(key string) map[string]string {
	m.purge(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	return h
}

// LockedZSet returns the mutable sorted set at key, creating it if needed.
func (m *Mem) LockedZSet(key string) map[string]float64 {
	m.purge(key)
	zs, ok := m.zsets[key]
	if !ok {
		zs = make(map[string]float64)
		m.zsets[key] = zs
	}
	return zs
}

// LockedExpire sets a TTL without taking the lock.
func (m *Mem) LockedExpire(key string, ttl time.Duration) {
	m.expiry[key] = m.nowFn().Add(ttl)
}

// LockedSet returns the mutable set at key, creating it if needed.
func (m *Mem) LockedSet(key string) map[string]struct{} {
	m.purge(key)
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	return s
}

// LockedDel removes a key of any type without taking the lock.
func (m *Mem) LockedDel(key string) {
	m.dropLocked(key)
}

func formatFloat(f float64) string {
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsInf(f, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
