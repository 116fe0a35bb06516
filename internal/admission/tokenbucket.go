package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxIdleClients bounds the client map before idle limiters are dropped.
const maxIdleClients = 10000

// TokenBucket gives every client its own x/time/rate limiter refilled at
// perMinute tokens per minute, with a burst of perMinute.
type TokenBucket struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucket creates an in-process gate.
func NewTokenBucket(perMinute int) (*TokenBucket, error) {
	if perMinute < 1 {
		return nil, fmt.Errorf("rate limit must be at least 1 per minute, got %d", perMinute)
	}
	return &TokenBucket{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		now:     time.Now,
		clients: make(map[string]*client),
	}, nil
}

// Allow takes one token from clientKey's bucket.
func (b *TokenBucket) Allow(_ context.Context, clientKey string) (bool, error) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.clients[clientKey]
	if !ok {
		if len(b.clients) >= maxIdleClients {
			b.prune(now)
		}
		c = &client{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.clients[clientKey] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1), nil
}

// prune drops clients whose bucket has been full for a while. Caller holds mu.
func (b *TokenBucket) prune(now time.Time) {
	idle := time.Minute * 2
	for key, c := range b.clients {
		if now.Sub(c.lastSeen) > idle {
			delete(b.clients, key)
		}
	}
}

var _ Gate = (*TokenBucket)(nil)
