package channels

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked senders to prevent memory
	// exhaustion from rotating source keys.
	maxTrackedKeys = 4096

	// sendsPerSecond and sendBurst bound per-chat outbound delivery so a
	// chatty agent cannot trip platform flood limits.
	sendsPerSecond = 0.5
	sendBurst      = 5
)

// SendLimiter rate-limits outbound deliveries per chat. Safe for concurrent
// use.
type SendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSendLimiter creates a per-chat send limiter.
func NewSendLimiter() *SendLimiter {
	return &SendLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Reserve returns the delay before a send to the chat may proceed. Callers
// sleep for the returned duration before sending.
func (l *SendLimiter) Reserve(chatID string) *rate.Reservation {
	return l.get(chatID).Reserve()
}

func (l *SendLimiter) get(chatID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[chatID]; ok {
		return lim
	}
	// Hard eviction at the cap, map iteration order picks the victim.
	if len(l.limiters) >= maxTrackedKeys {
		for k := range l.limiters {
			delete(l.limiters, k)
			break
		}
	}
	lim := rate.NewLimiter(rate.Limit(sendsPerSecond), sendBurst)
	l.limiters[chatID] = lim
	return lim
}
