package llm

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryProvider wraps a Provider with retry-on-transient-error
// behavior. Retries only fire before any event has been forwarded;
// once output has streamed, a failure surfaces to the caller.
type RetryProvider struct {
	Inner       Provider
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// WithRetry wraps p with default retry settings.
func WithRetry(p Provider) *RetryProvider {
	return &RetryProvider{
		Inner:       p,
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

func (r *RetryProvider) Name() string { return r.Inner.Name() }

func (r *RetryProvider) Stream(ctx context.Context, req Request) Stream {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		var lastErr error
		for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
			inner := r.Inner.Stream(ctx, req)
			forwarded, err := r.forward(ctx, inner, events)
			inner.Close()
			if err == nil {
				return nil
			}
			lastErr = err
			// Output already reached the caller; a silent retry
			// would duplicate it.
			if forwarded || !isRetryable(err) || attempt == r.MaxAttempts {
				return err
			}
			delay := r.backoff(attempt, err)
			select {
			case events <- Event{Type: EventRetry, RetryAttempt: attempt, RetryDelayMS: delay.Milliseconds()}:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return lastErr
	})
}

// forward relays events from src and reports whether any content event
// was delivered before the stream ended.
func (r *RetryProvider) forward(ctx context.Context, src Stream, dst chan<- Event) (bool, error) {
	forwarded := false
	for {
		ev, err := src.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return forwarded, nil
			}
			return forwarded, err
		}
		switch ev.Type {
		case EventTextDelta, EventReasoningDelta, EventToolCall, EventDataDelta:
			forwarded = true
		}
		select {
		case dst <- ev:
		case <-ctx.Done():
			return forwarded, ctx.Err()
		}
	}
}

func (r *RetryProvider) backoff(attempt int, err error) time.Duration {
	if d, ok := retryAfterHint(err); ok {
		if d > r.MaxBackoff {
			return r.MaxBackoff
		}
		return d
	}
	d := r.BaseBackoff << (attempt - 1)
	if d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

var retryAfterRegex = regexp.MustCompile(`(?i)retry[- ]after[:\s]+(\d+)`)

func retryAfterHint(err error) (time.Duration, bool) {
	m := retryAfterRegex.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	secs, convErr := strconv.Atoi(m[1])
	if convErr != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"rate limit",
		"rate_limit",
		"429",
		"overloaded",
		"overloaded_error",
		"500",
		"502",
		"503",
		"504",
		"internal server error",
		"connection reset",
		"connection refused",
		"unexpected eof",
		"timeout awaiting headers",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
