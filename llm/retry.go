package llm

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// DefaultRetryPolicy 默认重试策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// RetryEvent describes one scheduled retry.
type RetryEvent struct {
	Attempt int
	Err     error
	Wait    time.Duration
}

// RetryGateway retries the wrapped gateway on retryable failures only.
// Non-retryable failures (bad credentials, rejected requests) return on the
// first attempt.
type RetryGateway struct {
	next   Gateway
	policy RetryPolicy
	notify func(RetryEvent)
}

// NewRetryGateway wraps next. notify may be nil.
func NewRetryGateway(next Gateway, policy RetryPolicy, notify func(RetryEvent)) *RetryGateway {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = time.Second
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2
	}
	return &RetryGateway{next: next, policy: policy, notify: notify}
}

func (r *RetryGateway) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.Multiplier = r.policy.Multiplier
	b.RandomizationFactor = r.policy.Jitter
	b.Reset()
	return b
}

// Send 带重试的发送
func (r *RetryGateway) Send(ctx context.Context, messages []Message) (Completion, error) {
	return r.do(ctx, func() (Completion, error) {
		return r.next.Send(ctx, messages)
	})
}

// Stream retries like Send. When an attempt fails after delivering partial
// content, onChunk receives a Reset chunk before the next attempt starts.
func (r *RetryGateway) Stream(ctx context.Context, messages []Message, onChunk func(Chunk)) (Completion, error) {
	delivered := false
	forward := func(c Chunk) {
		delivered = true
		if onChunk != nil {
			onChunk(c)
		}
	}
	return r.do(ctx, func() (Completion, error) {
		if delivered {
			delivered = false
			if onChunk != nil {
				onChunk(Chunk{Reset: true})
			}
		}
		return r.next.Stream(ctx, messages, forward)
	})
}

func (r *RetryGateway) do(ctx context.Context, op func() (Completion, error)) (Completion, error) {
	attempt := 0
	operation := func() (Completion, error) {
		attempt++
		c, err := op()
		if err != nil && !IsRetryable(err) {
			return c, backoff.Permanent(err)
		}
		return c, err
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("[llm] 第 %d 次调用失败，%v 后重试: %v", attempt, wait, err)
		if r.notify != nil {
			r.notify(RetryEvent{Attempt: attempt, Err: err, Wait: wait})
		}
	}

	c, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return c, err
}
