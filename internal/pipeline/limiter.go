package pipeline

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimiterRegistry owns one token-bucket limiter per destination. Limiters
// are created on first use and torn down explicitly; the registry is
// passed to its users rather than living as a process-wide singleton.
type LimiterRegistry struct {
	mutex    sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewLimiterRegistry creates a registry with the given sustained rate and
// burst allowance
func NewLimiterRegistry(perSecond float64, burst int) *LimiterRegistry {
	return &LimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Get returns the destination's limiter, creating it on first use
func (r *LimiterRegistry) Get(destination string) *rate.Limiter {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	limiter, exists := r.limiters[destination]
	if !exists {
		limiter = rate.NewLimiter(r.rate, r.burst)
		r.limiters[destination] = limiter
	}
	return limiter
}

// Remove drops a destination's limiter
func (r *LimiterRegistry) Remove(destination string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.limiters, destination)
}

// Clear drops every limiter
func (r *LimiterRegistry) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.limiters = make(map[string]*rate.Limiter)
}

// Len returns the number of tracked destinations
func (r *LimiterRegistry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.limiters)
}
