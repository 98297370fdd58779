package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// VelocityResult is the outcome of one intent velocity check.
type VelocityResult struct {
	Allowed      bool
	CurrentCount int
	MaxAllowed   int
	WindowExpiry time.Time
	Message      string
}

// IntentLimiter caps how many booking intents a patient may open per window.
type IntentLimiter struct {
	redis  redis.Cmdable
	max    int
	window time.Duration
	logger *logging.Logger
}

// NewIntentLimiter returns a limiter allowing max intents per window. A nil
// client or non-positive max disables the check.
func NewIntentLimiter(client redis.Cmdable, max int, window time.Duration, logger *logging.Logger) *IntentLimiter {
	if logger == nil {
		logger = logging.Default()
	}
	if window <= 0 {
		window = time.Hour
	}
	return &IntentLimiter{redis: client, max: max, window: window, logger: logger}
}

// Check counts one intent for patientID. Redis errors fail open.
func (l *IntentLimiter) Check(ctx context.Context, patientID uuid.UUID) *VelocityResult {
	ctx, span := tracer.Start(ctx, "velocity.check_intent")
	defer span.End()

	if l == nil || l.redis == nil || l.max <= 0 {
		return &VelocityResult{Allowed: true}
	}

	key := fmt.Sprintf("velocity:intent:%s", patientID)
	count, expiry, err := l.incrementAndGet(ctx, key)
	if err != nil {
		l.logger.Error("velocity check failed", "error", err, "key", key)
		return &VelocityResult{Allowed: true, Message: "velocity check unavailable"}
	}

	result := &VelocityResult{
		Allowed:      count <= l.max,
		CurrentCount: count,
		MaxAllowed:   l.max,
		WindowExpiry: expiry,
	}
	if !result.Allowed {
		result.Message = fmt.Sprintf("exceeded %d booking attempts in %s", l.max, l.window)
		l.logger.Warn("booking intent velocity exceeded", "patient_id", patientID, "count", count, "max", l.max)
		span.SetAttributes(attribute.Bool("velocity.exceeded", true))
	}
	return result
}

// Reset clears the patient's counter (admin use).
func (l *IntentLimiter) Reset(ctx context.Context, patientID uuid.UUID) error {
	if l == nil || l.redis == nil {
		return nil
	}
	return l.redis.Del(ctx, fmt.Sprintf("velocity:intent:%s", patientID)).Err()
}

func (l *IntentLimiter) incrementAndGet(ctx context.Context, key string) (int, time.Time, error) {
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, l.window)
		ttl = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = l.window
	}
	return int(incr.Val()), time.Now().Add(remaining), nil
}
