package archive

import (
	"context"
	"log/slog"
	"time"
)

// BackoffPolicy retries FetchBatch calls that fail with a TransientError.
// Permanent errors are never retried; when attempts are exhausted the last
// transient error propagates unchanged to the caller.
type BackoffPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Cap         time.Duration

	// sleep is replaceable in tests; nil means time.Sleep.
	sleep func(time.Duration)
}

// DefaultBackoffPolicy returns the standard schedule: five attempts,
// 500ms initial backoff, doubling, capped at ten seconds.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 5,
		Initial:     500 * time.Millisecond,
		Multiplier:  2,
		Cap:         10 * time.Second,
	}
}

// FetchBatch calls driver.FetchBatch under the retry schedule.
func (p BackoffPolicy) FetchBatch(ctx context.Context, logger *slog.Logger, driver Driver, conversation ConversationInfo, cursor string, direction Direction) ([]MessageInfo, error) {
	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	backoff := p.Initial
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := driver.FetchBatch(ctx, conversation, cursor, direction)
		if err == nil {
			return batch, nil
		}
		if !IsTransient(err) || attempt >= p.MaxAttempts {
			if IsTransient(err) {
				logger.Warn("giving up on batch after failed requests",
					"attempts", attempt, "error", err)
			}
			return nil, err
		}
		logger.Info("retrying failed batch request",
			"attempt", attempt, "max_attempts", p.MaxAttempts, "backoff", backoff, "error", err)
		sleep(backoff)
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff > p.Cap {
			backoff = p.Cap
		}
	}
}
