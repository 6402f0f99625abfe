package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	"github.com/KyFuirY/FreelanceOS/internal/cache"
	"github.com/KyFuirY/FreelanceOS/pkg/metrics"
)

const (
	windowKeyPrefix = "ratelimit:window:"
	blockKeyPrefix  = "ratelimit:block:"
)

// FailurePolicy decides what happens when the cache store cannot answer.
type FailurePolicy string

const (
	// FailOpen admits the request and records the degradation.
	FailOpen FailurePolicy = "fail_open"
	// FailClosed rejects the request with ErrUnavailable.
	FailClosed FailurePolicy = "fail_closed"
)

// DenyReason explains a denial.
type DenyReason string

const (
	ReasonBlocked  DenyReason = "blocked"
	ReasonExceeded DenyReason = "exceeded"
)

// ErrUnknownCategory is returned for a category without a policy.
var ErrUnknownCategory = errors.New("ratelimit: unknown category")

// Decision is the outcome of a check.
type Decision struct {
	Allowed  bool
	Category Category
	Limit    int
	// Remaining and ResetAt are set when Allowed.
	Remaining int
	ResetAt   time.Time
	// RetryAfter and Reason are set when denied.
	RetryAfter time.Duration
	Reason     DenyReason
	// Degraded marks a fail-open admission.
	Degraded bool
}

// BlockEntry is stored under the client's block key while blocked.
type BlockEntry struct {
	Reason    string        `json:"reason"`
	Category  Category      `json:"category"`
	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"duration"`
}

// Status is a read-only view of a client's budget in one category.
type Status struct {
	Category  Category      `json:"category"`
	Count     int           `json:"count"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	Blocked   bool          `json:"blocked"`
	BlockTTL  time.Duration `json:"block_ttl,omitempty"`
}

// Limiter enforces Policies per client.
type Limiter struct {
	store     cache.Store
	policies  Policies
	failure   FailurePolicy
	opTimeout time.Duration
	clock     clockwork.Clock
	emitter   audit.Emitter
	logger    *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithPolicies(p Policies) Option { return func(l *Limiter) { l.policies = p } }

func WithFailurePolicy(p FailurePolicy) Option { return func(l *Limiter) { l.failure = p } }

// WithOpTimeout bounds every individual store call.
func WithOpTimeout(d time.Duration) Option { return func(l *Limiter) { l.opTimeout = d } }

func WithClock(c clockwork.Clock) Option { return func(l *Limiter) { l.clock = c } }

// New creates a limiter with production defaults unless overridden.
func New(store cache.Store, emitter audit.Emitter, logger *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:     store,
		policies:  DefaultPolicies(true),
		failure:   FailOpen,
		opTimeout: 250 * time.Millisecond,
		clock:     clockwork.NewRealClock(),
		emitter:   emitter,
		logger:    logger.Named("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the policy for category.
func (l *Limiter) Policy(category Category) (Policy, bool) {
	p, ok := l.policies[category]
	return p, ok
}

func windowKey(category Category, clientID string) string {
	return windowKeyPrefix + string(category) + ":" + clientID
}

func blockKey(clientID string) string {
	return blockKeyPrefix + clientID
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// call runs fn under the per-operation timeout.
func (l *Limiter) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()
	return fn(ctx)
}

// Check runs the sliding window algorithm for clientID in category and
// records the request when it is admitted.
func (l *Limiter) Check(ctx context.Context, clientID string, category Category) (Decision, error) {
	policy, ok := l.policies[category]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	d, err := l.check(ctx, clientID, category, policy)
	if err != nil {
		return l.degrade(ctx, clientID, category, policy, err)
	}
	outcome := "allowed"
	if !d.Allowed {
		outcome = string(d.Reason)
	}
	metrics.RateLimitDecisions.WithLabelValues(string(category), outcome).Inc()
	return d, nil
}

// CheckGlobal enforces the per-client budget shared by every request.
func (l *Limiter) CheckGlobal(ctx context.Context, clientID string) (Decision, error) {
	return l.Check(ctx, clientID, CategoryGlobal)
}

func (l *Limiter) check(ctx context.Context, clientID string, category Category, policy Policy) (Decision, error) {
	now := l.clock.Now()
	base := Decision{Category: category, Limit: policy.Limit}

	if retry, blocked, err := l.blockRemaining(ctx, clientID, now); err != nil {
		return Decision{}, err
	} else if blocked {
		base.RetryAfter = retry
		base.Reason = ReasonBlocked
		return base, nil
	}

	key := windowKey(category, clientID)
	cutoff := millis(now.Add(-policy.Window))
	var count int64
	err := l.call(ctx, func(ctx context.Context) error {
		if _, err := l.store.ZRemRangeByScore(ctx, key, math.Inf(-1), cutoff); err != nil {
			return err
		}
		var err error
		count, err = l.store.ZCard(ctx, key)
		return err
	})
	if err != nil {
		return Decision{}, err
	}

	if count >= int64(policy.Limit) {
		if err := l.block(ctx, clientID, category, policy, now); err != nil {
			return Decision{}, err
		}
		base.RetryAfter = policy.Block
		base.Reason = ReasonExceeded
		return base, nil
	}

	if err := l.add(ctx, key, policy, now); err != nil {
		return Decision{}, err
	}

	base.Allowed = true
	base.Remaining = policy.Limit - int(count) - 1
	base.ResetAt = now.Add(policy.Window)
	var oldest float64
	var found bool
	err = l.call(ctx, func(ctx context.Context) error {
		var err error
		oldest, found, err = l.store.ZMinScore(ctx, key)
		return err
	})
	if err == nil && found {
		base.ResetAt = time.UnixMilli(int64(oldest)).Add(policy.Window)
	}
	return base, nil
}

// add appends now to the window and refreshes the window TTL.
func (l *Limiter) add(ctx context.Context, key string, policy Policy, now time.Time) error {
	return l.call(ctx, func(ctx context.Context) error {
		if err := l.store.ZAdd(ctx, key, millis(now), uuid.NewString()); err != nil {
			return err
		}
		return l.store.Expire(ctx, key, policy.Window)
	})
}

func (l *Limiter) block(ctx context.Context, clientID string, category Category, policy Policy, now time.Time) error {
	entry := BlockEntry{
		Reason:    fmt.Sprintf("exceeded %d requests per %s", policy.Limit, policy.Window),
		Category:  category,
		CreatedAt: now.UTC(),
		Duration:  policy.Block,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := l.call(ctx, func(ctx context.Context) error {
		return l.store.Set(ctx, blockKey(clientID), string(raw), policy.Block)
	}); err != nil {
		return err
	}

	metrics.RateLimitBlocks.WithLabelValues(string(category)).Inc()
	l.logger.Warn("Client blocked",
		zap.String("client", clientID),
		zap.String("category", string(category)),
		zap.Duration("duration", policy.Block))
	severity := audit.SeverityMedium
	if category == CategoryAuth {
		severity = audit.SeverityHigh
	}
	l.emitter.Emit(ctx, audit.Event{
		Type:     audit.EventRateLimitBlocked,
		Severity: severity,
		Reason:   entry.Reason,
		IP:       clientID,
		Attributes: map[string]string{
			"category": string(category),
			"duration": policy.Block.String(),
		},
	})
	return nil
}

// blockRemaining reports whether clientID is blocked and for how long.
func (l *Limiter) blockRemaining(ctx context.Context, clientID string, now time.Time) (time.Duration, bool, error) {
	var raw string
	var found bool
	var ttl time.Duration
	err := l.call(ctx, func(ctx context.Context) error {
		var err error
		raw, found, err = l.store.Get(ctx, blockKey(clientID))
		if err != nil || !found {
			return err
		}
		ttl, err = l.store.TTL(ctx, blockKey(clientID))
		return err
	})
	if err != nil || !found {
		return 0, false, err
	}
	if ttl > 0 {
		return ttl, true, nil
	}
	// no TTL reported; fall back to the entry's own bookkeeping
	var entry BlockEntry
	if json.Unmarshal([]byte(raw), &entry) == nil {
		if left := entry.CreatedAt.Add(entry.Duration).Sub(now); left > 0 {
			return left, true, nil
		}
	}
	return time.Second, true, nil
}

// Record appends a request for clientID in category without checking it.
func (l *Limiter) Record(ctx context.Context, clientID string, category Category) error {
	policy, ok := l.policies[category]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	if err := l.add(ctx, windowKey(category, clientID), policy, l.clock.Now()); err != nil {
		return fmt.Errorf("record %s: %w", category, err)
	}
	return nil
}

// IsBlocked reports whether clientID currently has a block entry.
func (l *Limiter) IsBlocked(ctx context.Context, clientID string) (bool, error) {
	_, blocked, err := l.blockRemaining(ctx, clientID, l.clock.Now())
	return blocked, err
}

// Unblock lifts a block and clears the client's windows.
func (l *Limiter) Unblock(ctx context.Context, clientID string) error {
	keys := []string{blockKey(clientID)}
	for cat := range l.policies {
		keys = append(keys, windowKey(cat, clientID))
	}
	if err := l.call(ctx, func(ctx context.Context) error {
		return l.store.Delete(ctx, keys...)
	}); err != nil {
		return fmt.Errorf("unblock %s: %w", clientID, err)
	}
	l.logger.Info("Client unblocked", zap.String("client", clientID))
	l.emitter.Emit(ctx, audit.Event{
		Type:     audit.EventClientUnblocked,
		Severity: audit.SeverityLow,
		Reason:   "manual unblock",
		IP:       clientID,
	})
	return nil
}

// Status returns the current budget of clientID in category. It does not
// record a request.
func (l *Limiter) Status(ctx context.Context, clientID string, category Category) (Status, error) {
	policy, ok := l.policies[category]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	now := l.clock.Now()
	st := Status{Category: category, Limit: policy.Limit}

	retry, blocked, err := l.blockRemaining(ctx, clientID, now)
	if err != nil {
		return Status{}, err
	}
	st.Blocked, st.BlockTTL = blocked, retry

	key := windowKey(category, clientID)
	err = l.call(ctx, func(ctx context.Context) error {
		if _, err := l.store.ZRemRangeByScore(ctx, key, math.Inf(-1), millis(now.Add(-policy.Window))); err != nil {
			return err
		}
		n, err := l.store.ZCard(ctx, key)
		st.Count = int(n)
		return err
	})
	if err != nil {
		return Status{}, err
	}
	st.Remaining = max(policy.Limit-st.Count, 0)
	return st, nil
}

// degrade applies the failure policy to a store error.
func (l *Limiter) degrade(ctx context.Context, clientID string, category Category, policy Policy, cause error) (Decision, error) {
	metrics.Degraded.WithLabelValues("ratelimit").Inc()
	l.logger.Error("Rate limit store unavailable",
		zap.String("client", clientID),
		zap.String("category", string(category)),
		zap.String("policy", string(l.failure)),
		zap.Error(cause))
	l.emitter.Emit(ctx, audit.Event{
		Type:     audit.EventRateLimitDegraded,
		Severity: audit.SeverityHigh,
		Reason:   cause.Error(),
		IP:       clientID,
		Attributes: map[string]string{
			"category": string(category),
			"policy":   string(l.failure),
		},
	})

	if l.failure == FailClosed {
		metrics.RateLimitDecisions.WithLabelValues(string(category), "unavailable").Inc()
		return Decision{}, fmt.Errorf("%w: %v", cache.ErrUnavailable, cause)
	}
	metrics.RateLimitDecisions.WithLabelValues(string(category), "degraded").Inc()
	return Decision{
		Allowed:   true,
		Degraded:  true,
		Category:  category,
		Limit:     policy.Limit,
		Remaining: policy.Limit,
		ResetAt:   l.clock.Now().Add(policy.Window),
	}, nil
}
