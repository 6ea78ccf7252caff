package util

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// NewHTTPClient returns a client tuned for long transfers from a single host.
// timeout bounds the whole request including the body read; zero disables it.
func NewHTTPClient(timeout time.Duration, maxConnsPerHost int) *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   maxConnsPerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		// segments are already gzip; ask for identity so Content-Length is the stored size
		DisableCompression: true,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// RetryPolicy is an exponential backoff without jitter.
type RetryPolicy struct {
	Attempts int           // total attempts, including the first
	Initial  time.Duration // delay before the second attempt
	Max      time.Duration // cap on the delay

	// OnRetry, when set, is called before sleeping for the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Permanent marks an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Stop wraps err so Retry returns it immediately.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, the attempts
// are exhausted or ctx is done. The last error is returned unwrapped.
func Retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) error {
	attempts := max(1, p.Attempts)
	d := p.Initial
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if p.OnRetry != nil {
				p.OnRetry(i, d, err)
			}
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return errors.Join(ctx.Err(), err)
			}
			if d < p.Max {
				d *= 2
				if d > p.Max {
					d = p.Max
				}
			}
		}
		err = fn(i)
		if err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}
