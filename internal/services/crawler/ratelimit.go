package crawler

import (
	"context"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces per-domain token buckets plus an optional global
// ceiling across all domains. Buckets are created lazily on first use and
// live for the job's lifetime. A bucket with rate r holds at most
// max(1, ceil(r)) tokens and starts full, so bursts up to the capacity are
// admitted immediately and sustained throughput converges on r per second.
type RateLimiter struct {
	perDomainRate float64
	global        *rate.Limiter

	mu      sync.Mutex
	domains map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter with the given per-domain rate. A
// globalRate of 0 disables the aggregate ceiling.
func NewRateLimiter(perDomainRate, globalRate float64) *RateLimiter {
	rl := &RateLimiter{
		perDomainRate: perDomainRate,
		domains:       make(map[string]*rate.Limiter),
	}
	if globalRate > 0 {
		rl.global = rate.NewLimiter(rate.Limit(globalRate), burstFor(globalRate))
	}
	return rl
}

func burstFor(r float64) int {
	b := int(math.Ceil(r))
	if b < 1 {
		b = 1
	}
	return b
}

// DomainKey extracts the bucket key from a URL: the authority, lower-cased,
// port included.
func DomainKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func (rl *RateLimiter) limiterFor(domain string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.domains[domain]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rl.perDomainRate), burstFor(rl.perDomainRate))
		rl.domains[domain] = lim
	}
	return lim
}

// WaitForPermission blocks until both the global bucket (when configured)
// and the URL's domain bucket admit one request. The global bucket is
// consulted first; the domain wait runs on whatever remains of the timeout.
// Returns false when the timeout or the caller's context expires first.
//
// Waits are scheduled by the bucket's own wake-up time rather than polling.
func (rl *RateLimiter) WaitForPermission(ctx context.Context, rawURL string, timeout time.Duration) bool {
	domain := DomainKey(rawURL)
	if domain == "" {
		return true
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if rl.global != nil {
		if err := rl.global.Wait(waitCtx); err != nil {
			return false
		}
	}
	return rl.limiterFor(domain).Wait(waitCtx) == nil
}

// Allow is the non-blocking variant: it reports whether a request for the
// URL would be admitted right now, consuming tokens when it is.
func (rl *RateLimiter) Allow(rawURL string) bool {
	domain := DomainKey(rawURL)
	if domain == "" {
		return true
	}
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	return rl.limiterFor(domain).Allow()
}

// ApplyCrawlDelay lowers a domain's rate to honor a robots Crawl-delay
// directive. The rate only ever decreases; configured limits stricter than
// the directive stay in force.
func (rl *RateLimiter) ApplyCrawlDelay(domain string, delay time.Duration) {
	if delay <= 0 || domain == "" {
		return
	}
	effective := 1.0 / delay.Seconds()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.domains[domain]
	if !ok {
		r := math.Min(rl.perDomainRate, effective)
		rl.domains[domain] = rate.NewLimiter(rate.Limit(r), burstFor(r))
		return
	}
	if float64(lim.Limit()) > effective {
		lim.SetLimit(rate.Limit(effective))
		lim.SetBurst(burstFor(effective))
	}
}

// DomainRate returns the effective rate for a domain, for logging and tests.
func (rl *RateLimiter) DomainRate(domain string) float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if lim, ok := rl.domains[domain]; ok {
		return float64(lim.Limit())
	}
	return rl.perDomainRate
}
