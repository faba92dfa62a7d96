package fetch

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter spaces requests per host: a minimum delay since the last request,
// plus an optional token bucket when a per-host request rate is configured
type RateLimiter struct {
	mu              sync.Mutex
	hostLastRequest map[string]time.Time     // host -> last request attempt time
	buckets         map[string]*rate.Limiter // host -> token bucket, only when rps > 0
	defaultDelay    time.Duration
	rps             float64
	log             *logrus.Entry
}

// NewRateLimiter creates a RateLimiter. rps <= 0 disables the token bucket.
func NewRateLimiter(defaultDelay time.Duration, rps float64, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		hostLastRequest: make(map[string]time.Time),
		buckets:         make(map[string]*rate.Limiter),
		defaultDelay:    defaultDelay,
		rps:             rps,
		log:             log,
	}
}

// Wait blocks until both the host delay and the host token bucket allow a request.
// Returns ctx.Err() if the context ends first.
func (rl *RateLimiter) Wait(ctx context.Context, host string) error {
	host = strings.ToLower(host)
	if err := rl.ApplyDelay(ctx, host, 0); err != nil {
		return err
	}

	rl.mu.Lock()
	bucket := rl.bucketLocked(host)
	rl.mu.Unlock()
	if bucket == nil {
		return nil
	}
	return bucket.Wait(ctx)
}

// ApplyDelay sleeps if the time since the last request to the host is less than minDelay.
// Includes jitter (+/- 10%) to desynchronize requests.
func (rl *RateLimiter) ApplyDelay(ctx context.Context, host string, minDelay time.Duration) error {
	if minDelay <= 0 {
		minDelay = rl.defaultDelay
	}
	if minDelay <= 0 {
		return nil
	}

	rl.mu.Lock()
	lastReqTime, exists := rl.hostLastRequest[host]
	rl.mu.Unlock()
	if !exists {
		return nil
	}

	elapsed := time.Since(lastReqTime)
	if elapsed >= minDelay {
		return nil
	}
	sleepDuration := minDelay - elapsed
	var jitter time.Duration
	if jitterRange := int64(sleepDuration) / 5; jitterRange > 0 {
		jitter = time.Duration(rand.Int63n(jitterRange)) - (sleepDuration / 10)
	}
	finalSleep := max(sleepDuration+jitter, 0)
	if finalSleep == 0 {
		return nil
	}

	rl.log.WithFields(logrus.Fields{
		"host": host, "sleep": finalSleep, "required_delay": minDelay, "elapsed": elapsed,
	}).Trace("Rate limit applying sleep")

	timer := time.NewTimer(finalSleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateLastRequestTime records now as the last request attempt for the host.
// Call this after the request attempt.
func (rl *RateLimiter) UpdateLastRequestTime(host string) {
	rl.mu.Lock()
	rl.hostLastRequest[strings.ToLower(host)] = time.Now()
	rl.mu.Unlock()
}

func (rl *RateLimiter) bucketLocked(host string) *rate.Limiter {
	if rl.rps <= 0 {
		return nil
	}
	bucket, ok := rl.buckets[host]
	if !ok {
		burst := max(int(rl.rps), 1)
		bucket = rate.NewLimiter(rate.Limit(rl.rps), burst)
		rl.buckets[host] = bucket
	}
	return bucket
}
