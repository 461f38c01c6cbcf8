package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter spaces out requests to the same host.
type RateLimiter interface {
	Wait(ctx context.Context, host string) error
}

// HostLimiter keeps one token bucket per host and adds a random jitter on top
// of the bucket delay so requests do not land on a fixed beat.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
	burst    int
	jitter   time.Duration
}

// NewHostLimiter allows burst requests per host, then one every interval.
// A non-positive interval disables limiting.
func NewHostLimiter(interval time.Duration, burst int, jitter time.Duration) *HostLimiter {
	if burst < 1 {
		burst = 1
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
		burst:    burst,
		jitter:   jitter,
	}
}

func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l.interval <= 0 {
		return ctx.Err()
	}

	if err := l.limiter(host).Wait(ctx); err != nil {
		return err
	}

	if l.jitter <= 0 {
		return nil
	}

	timer := time.NewTimer(time.Duration(rand.Int63n(int64(l.jitter))))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetInterval changes the spacing for every host, existing ones included.
func (l *HostLimiter) SetInterval(interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.interval = interval
	for _, limiter := range l.limiters {
		limiter.SetLimit(rate.Every(interval))
	}
}

// Hosts returns how many hosts currently have a bucket.
func (l *HostLimiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *HostLimiter) limiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(l.interval), l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}

// Unlimited never waits.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context, host string) error {
	return ctx.Err()
}
