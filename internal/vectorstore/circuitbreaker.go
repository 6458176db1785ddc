package vectorstore

import (
	"sync"
	"time"
)

// circuitBreaker tracks consecutive failures against a remote backend.
// After the threshold is reached the circuit stays open for a cooldown
// period, failing calls fast instead of hammering a down server.
type circuitBreaker struct {
	mu       sync.Mutex
	failures int
	lastFail time.Time
}

const circuitCooldown = 30 * time.Second

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFail = time.Now()
}

func (cb *circuitBreaker) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
}

func (cb *circuitBreaker) open(threshold int) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.failures >= threshold {
		if time.Since(cb.lastFail) > circuitCooldown {
			cb.failures = 0
			return false
		}
		return true
	}
	return false
}
