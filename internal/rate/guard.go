package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Reasons a call is refused locally. Cooldown and budget clear with time;
// disabled does not.
const (
	ReasonCooldown = "cooldown"
	ReasonBudget   = "budget"
	ReasonDisabled = "disabled"
)

// RateLimitError is returned when calls are blocked.
type RateLimitError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

type bucket struct {
	capacity int
	tokens   float64
	last     time.Time
}

// Guard enforces a provider's request budget.
type Guard struct {
	decl Declaration
	now  func() time.Time

	mu       sync.Mutex
	buckets  map[Window]*bucket
	cooldown time.Time
}

// WrapHTTP wraps an http.Client with rate-limit enforcement. A declaration
// without limits returns the client unchanged.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	if !decl.HasLimits() {
		return base
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{
		base:  transport,
		guard: NewGuard(decl),
	}
	return &client
}

func NewGuard(decl Declaration) *Guard {
	return newGuardAt(decl, time.Now)
}

func newGuardAt(decl Declaration, now func() time.Time) *Guard {
	buckets := make(map[Window]*bucket, len(decl.Limits()))
	start := now()
	for window, limit := range decl.Limits() {
		buckets[window] = &bucket{
			capacity: limit,
			tokens:   float64(limit),
			last:     start,
		}
		remainingGauge.WithLabelValues(decl.ProviderName(), window.String()).Set(float64(limit))
	}
	return &Guard{decl: decl, now: now, buckets: buckets}
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := rt.guard.ShouldCall()
	if !decision.Allowed {
		blockedTotal.WithLabelValues(rt.guard.decl.ProviderName(), decision.Reason).Inc()
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, RateLimitError{
			Provider: rt.guard.decl.ProviderName(),
			Reason:   decision.Reason,
			RetryAt:  decision.RetryAt,
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	rt.guard.RecordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

// ShouldCall consumes one token from every window, or reports why it cannot.
func (g *Guard) ShouldCall() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !g.cooldown.IsZero() && now.Before(g.cooldown) {
		return Decision{Allowed: false, Reason: ReasonCooldown, RetryAt: g.cooldown}
	}

	for window, b := range g.buckets {
		refill(b, window.Duration(), now)
		if b.capacity <= 0 {
			return Decision{Allowed: false, Reason: ReasonDisabled}
		}
		if b.tokens < 1 {
			perToken := window.Duration() / time.Duration(b.capacity)
			return Decision{Allowed: false, Reason: ReasonBudget, RetryAt: now.Add(perToken)}
		}
	}
	for window, b := range g.buckets {
		b.tokens--
		remainingGauge.WithLabelValues(g.decl.ProviderName(), window.String()).Set(b.tokens)
	}

	return Decision{Allowed: true}
}

// RecordResponse tracks the last status and any server-announced cooldown.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	responsesTotal.WithLabelValues(g.decl.ProviderName(), statusClass(status)).Inc()

	if status != http.StatusTooManyRequests {
		return
	}
	seconds := headerInt(headers, g.decl.retryAfter)
	if seconds <= 0 {
		return
	}
	g.cooldown = g.now().Add(time.Duration(seconds) * time.Second)
	cooldownUntil.WithLabelValues(g.decl.ProviderName()).Set(float64(g.cooldown.Unix()))
}

func headerInt(h http.Header, key string) int {
	if key == "" {
		return -1
	}
	value := h.Get(key)
	if value == "" {
		return -1
	}
	out, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return out
}

func refill(b *bucket, window time.Duration, now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	rate := float64(b.capacity) / window.Seconds()
	b.tokens = min(float64(b.capacity), b.tokens+elapsed*rate)
	b.last = now
}
