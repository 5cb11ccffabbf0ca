package auth

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/elskow/modhub-identity/internal/config"
)

// RateLimiter keeps one token bucket per peer. The least recently seen peers are evicted
// once max_peers is reached.
type RateLimiter struct {
	config *config.RateLimitConfig
	mu     sync.Mutex
	peers  *lru.Cache[string, *rate.Limiter]
}

func NewRateLimiter(config *config.RateLimitConfig) (*RateLimiter, error) {
	size := config.MaxPeers
	if size <= 0 {
		size = 1
	}
	peers, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, fmt.Errorf("create peer cache: %w", err)
	}
	return &RateLimiter{config: config, peers: peers}, nil
}

func (l *RateLimiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}

	l.mu.Lock()
	limiter, ok := l.peers.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rate.Every(l.config.Interval), l.config.Burst)
		l.peers.Add(key, limiter)
	}
	l.mu.Unlock()

	if !limiter.Allow() {
		throttledTotal.Inc()
		return false
	}
	return true
}
