package unifiedllm

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int     // total retry attempts (not counting initial)
	BaseDelay         float64 // initial delay in seconds
	MaxDelay          float64 // maximum delay between retries
	BackoffMultiplier float64 // exponential backoff factor
	Jitter            bool    // add random jitter to prevent thundering herd
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         1.0,
		MaxDelay:          60.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := math.Min(p.BaseDelay*math.Pow(p.BackoffMultiplier, float64(attempt)), p.MaxDelay)
	if p.Jitter {
		// +/- 50% jitter
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay * float64(time.Second))
}

// Retry executes fn with the configured retry policy.
// Only retryable errors are retried.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		if rl, ok := err.(*RateLimitError); ok && rl.RetryAfter != nil {
			retryDelay := time.Duration(*rl.RetryAfter * float64(time.Second))
			if retryDelay > time.Duration(policy.MaxDelay*float64(time.Second)) {
				// Retry-After exceeds max_delay; give up now.
				return zero, err
			}
			delay = retryDelay
		}

		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		select {
		case <-ctx.Done():
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-time.After(delay):
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}

// RetryMiddleware retries a stream that fails before producing any output.
// Once a delta has been forwarded to the caller the stream is committed and
// a later error is passed through unchanged, so no output is ever repeated.
func RetryMiddleware(policy RetryPolicy) StreamMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		type opened struct {
			head []StreamEvent
			rest <-chan StreamEvent
		}

		o, err := Retry(ctx, policy, func(ctx context.Context) (opened, error) {
			ch, err := next(ctx, req)
			if err != nil {
				return opened{}, err
			}
			var head []StreamEvent
			for ev := range ch {
				switch ev.Type {
				case StreamStart:
					head = append(head, ev)
					continue
				case StreamError:
					drain(ch)
					if ev.Error == nil {
						return opened{}, &StreamErrorType{SDKError: SDKError{Message: "stream failed"}}
					}
					return opened{}, ev.Error
				}
				head = append(head, ev)
				break
			}
			return opened{head: head, rest: ch}, nil
		})
		if err != nil {
			return nil, err
		}

		out := make(chan StreamEvent, 64)
		go func() {
			defer close(out)
			for _, ev := range o.head {
				select {
				case out <- ev:
				case <-ctx.Done():
					drain(o.rest)
					return
				}
			}
			for ev := range o.rest {
				select {
				case out <- ev:
				case <-ctx.Done():
					drain(o.rest)
					return
				}
			}
		}()
		return out, nil
	}
}

// drain consumes ch in the background so its producer can exit.
func drain(ch <-chan StreamEvent) {
	go func() {
		for range ch {
		}
	}()
}
