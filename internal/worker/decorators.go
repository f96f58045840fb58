package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrSendTimeout is returned when a provider call exceeds its deadline.
var ErrSendTimeout = errors.New("send timed out")

// TimeoutSender bounds every provider call. A timeout is a failure of that
// recipient only; the in-flight call is abandoned, not retried.
type TimeoutSender struct {
	next    Sender
	timeout time.Duration
}

// NewTimeoutSender wraps next with a per-send timeout.
func NewTimeoutSender(next Sender, timeout time.Duration) *TimeoutSender {
	return &TimeoutSender{next: next, timeout: timeout}
}

func (s *TimeoutSender) Send(ctx context.Context, msg *Message) error {
	if s.timeout <= 0 {
		return s.next.Send(ctx, msg)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.next.Send(ctx, msg)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrSendTimeout, s.timeout)
	}
	return err
}

func (s *TimeoutSender) SupportsChannel(channel string) bool {
	return s.next.SupportsChannel(channel)
}

func (s *TimeoutSender) Ready(channel string) bool {
	if rc, ok := s.next.(ReadinessChecker); ok {
		return rc.Ready(channel)
	}
	return true
}

// ThrottledSender caps the request rate of one provider across every
// campaign worker sharing it. Campaign rate limits still apply on top.
type ThrottledSender struct {
	next    Sender
	limiter *rate.Limiter
}

// NewThrottledSender allows at most rps sends per second with the given burst.
func NewThrottledSender(next Sender, rps float64, burst int) *ThrottledSender {
	if burst < 1 {
		burst = 1
	}
	return &ThrottledSender{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (s *ThrottledSender) Send(ctx context.Context, msg *Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("provider throttle: %w", err)
	}
	return s.next.Send(ctx, msg)
}

func (s *ThrottledSender) SupportsChannel(channel string) bool {
	return s.next.SupportsChannel(channel)
}

func (s *ThrottledSender) Ready(channel string) bool {
	if rc, ok := s.next.(ReadinessChecker); ok {
		return rc.Ready(channel)
	}
	return true
}
