package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"archive-mirror/pkg/config"
	"archive-mirror/pkg/utils"
)

// Fetcher makes archive requests with per-host politeness and retry/backoff
type Fetcher struct {
	client    *http.Client
	cfg       *config.AppConfig // Retry settings and user agent
	limiter   *RateLimiter       // Optional
	hostSems  *HostSemaphorePool // Optional
	monitor   *Monitor           // Optional; receives every transport outcome
	userAgent string
	log       *logrus.Entry
}

// FetcherOption configures optional Fetcher collaborators
type FetcherOption func(*Fetcher)

// WithRateLimiter spaces requests per host
func WithRateLimiter(rl *RateLimiter) FetcherOption {
	return func(f *Fetcher) { f.limiter = rl }
}

// WithHostSemaphores bounds concurrent requests per host
func WithHostSemaphores(pool *HostSemaphorePool) FetcherOption {
	return func(f *Fetcher) { f.hostSems = pool }
}

// WithMonitor reports connectivity to m
func WithMonitor(m *Monitor) FetcherOption {
	return func(f *Fetcher) { f.monitor = m }
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, cfg *config.AppConfig, log *logrus.Entry, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:    client,
		cfg:       cfg,
		userAgent: cfg.UserAgent,
		log:       log,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Get fetches rawURL after taking a host permit and waiting out the host rate limit.
// On success the caller must close the response body.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrRequestCreation, rawURL, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	host := req.URL.Host

	if f.hostSems != nil {
		if err := f.hostSems.Acquire(ctx, host); err != nil {
			return nil, err
		}
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, host); err != nil {
			if f.hostSems != nil {
				f.hostSems.Release(host)
			}
			return nil, err
		}
	}

	resp, err := f.FetchWithRetry(ctx, req)
	if f.limiter != nil {
		f.limiter.UpdateLastRequestTime(host)
	}
	if f.hostSems == nil {
		return resp, err
	}
	if resp == nil {
		f.hostSems.Release(host)
		return nil, err
	}
	// Hold the host permit until the body is consumed
	resp.Body = &releaseOnClose{ReadCloser: resp.Body, release: func() { f.hostSems.Release(host) }}
	return resp, err
}

// GetBody fetches rawURL and reads the whole body, returning at most limit bytes (0 = no limit)
func (f *Fetcher) GetBody(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	resp, err := f.Get(ctx, rawURL)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrResponseBodyRead, rawURL, err)
	}
	return data, nil
}

// FetchWithRetry performs req under ctx, retrying network errors, 5xx and 429
// with exponential backoff and jitter. 4xx and other statuses return the
// response together with a wrapped error; the caller must close its body.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	var currentResp *http.Response

	reqLog := f.log.WithField("url", req.URL.String())

	maxRetries := f.cfg.MaxRetries
	initialRetryDelay := f.cfg.InitialRetryDelay
	maxRetryDelay := f.cfg.MaxRetryDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) during retry backoff after error: %w", err, lastErr)
			}
			return nil, fmt.Errorf("context cancelled before first attempt: %w", err)
		}

		if attempt > 0 {
			// initial * 2^(attempt-1), capped by maxRetryDelay
			backoff := float64(initialRetryDelay) * math.Pow(2, float64(attempt-1))
			delay := time.Duration(backoff)
			if delay <= 0 || delay > maxRetryDelay {
				delay = maxRetryDelay
			}
			var jitter time.Duration
			if delay >= 5 {
				jitter = time.Duration(rand.Int63n(int64(delay)/5)) - (delay / 10) // +/- 10%
			}
			finalDelay := max(delay+jitter, 0)

			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": maxRetries, "delay": finalDelay}).Debug("Retrying request")

			timer := time.NewTimer(finalDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
				}
				return nil, fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
			}
		}

		currentResp, lastErr = f.client.Do(req.WithContext(ctx))

		if lastErr != nil {
			drainAndClose(currentResp)
			currentResp = nil
			if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
				reqLog.Debugf("Context ended during HTTP request: %v", lastErr)
				return nil, lastErr
			}
			if f.monitor != nil {
				f.monitor.MarkDown(lastErr)
			}
			reqLog.WithField("attempt", attempt).Warnf("Network error: %v", lastErr)
			continue
		}
		if f.monitor != nil {
			f.monitor.MarkUp()
		}

		statusCode := currentResp.StatusCode
		resLog := reqLog.WithFields(logrus.Fields{"status_code": statusCode, "attempt": attempt})

		switch {
		case statusCode >= 200 && statusCode < 300:
			resLog.Trace("Successfully fetched")
			return currentResp, nil

		case statusCode >= 500:
			resLog.Debug("Server error, retrying")
			lastErr = fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, statusCode, currentResp.Status)
			drainAndClose(currentResp)
			currentResp = nil
			continue

		case statusCode == http.StatusTooManyRequests:
			// TODO: honour Retry-After instead of the fixed backoff schedule
			resLog.Debug("Received 429 Too Many Requests, retrying")
			lastErr = fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, statusCode, currentResp.Status)
			drainAndClose(currentResp)
			currentResp = nil
			continue

		case statusCode >= 400 && statusCode < 500:
			resLog.Debug("Client error (4xx), not retrying")
			return currentResp, fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, statusCode, currentResp.Status)

		default:
			resLog.Debugf("Non-retryable/unexpected status: %d", statusCode)
			return currentResp, fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, statusCode, currentResp.Status)
		}
	}

	reqLog.Warnf("All %d fetch attempts failed. Last error: %v", maxRetries+1, lastErr)
	drainAndClose(currentResp)

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
	}
	return nil, utils.ErrRetryFailed
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// releaseOnClose runs release exactly once when the body is closed
type releaseOnClose struct {
	io.ReadCloser
	release func()
	closed  bool
}

func (r *releaseOnClose) Close() error {
	err := r.ReadCloser.Close()
	if !r.closed {
		r.closed = true
		r.release()
	}
	return err
}
