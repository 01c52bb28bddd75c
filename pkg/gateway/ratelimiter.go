package gateway

import (
	"sync"
	"time"
)

const (
	reasonConcurrent = "too many concurrent requests"
	reasonRate       = "rate limit exceeded"
)

// ClientRateLimiter implements sliding window rate limiting for one client
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
	lastSeen           time.Time
}

// NewClientRateLimiter creates a limiter with custom limits
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		lastSeen:          time.Now(),
	}
}

// Acquire admits a request and counts it, or reports why it was refused.
// Every admitted request must be paired with Release.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.lastSeen = now

	if r.concurrentRequests >= r.maxConcurrent {
		return false, reasonConcurrent
	}

	r.prune(now)
	if len(r.requests) >= r.requestsPerMinute {
		return false, reasonRate
	}

	r.requests = append(r.requests, now)
	r.concurrentRequests++
	return true, ""
}

// Release marks the end of an admitted request
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// Stats returns requests in the current window and requests in flight
func (r *ClientRateLimiter) Stats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(time.Now())
	return len(r.requests), r.concurrentRequests
}

func (r *ClientRateLimiter) idleSince(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrentRequests == 0 && r.lastSeen.Before(cutoff)
}

// prune drops requests older than one minute
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, reqTime := range r.requests {
		if reqTime.After(cutoff) {
			kept = append(kept, reqTime)
		}
	}
	r.requests = kept
}

// RateLimiter keeps one ClientRateLimiter per client address
type RateLimiter struct {
	mu                sync.Mutex
	clients           map[string]*ClientRateLimiter
	requestsPerMinute int
	maxConcurrent     int
}

// NewRateLimiter creates a keyed limiter. Non-positive limits fall back to
// 120 requests per minute and 10 concurrent requests.
func NewRateLimiter(requestsPerMinute, maxConcurrent int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 120
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &RateLimiter{
		clients:           make(map[string]*ClientRateLimiter),
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

// For returns the limiter of a client, creating it on first use
func (l *RateLimiter) For(client string) *ClientRateLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.clients[client]
	if !ok {
		limiter = NewClientRateLimiter(l.requestsPerMinute, l.maxConcurrent)
		l.clients[client] = limiter
	}
	return limiter
}

// Evict forgets clients idle for longer than idle and returns how many
func (l *RateLimiter) Evict(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, limiter := range l.clients {
		if limiter.idleSince(cutoff) {
			delete(l.clients, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked clients
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
