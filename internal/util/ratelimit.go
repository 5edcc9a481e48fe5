package util

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter keeps one token bucket per key, for example per requester.
// A non-positive perMinute disables limiting.
type KeyedLimiter struct {
	perMinute int
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewKeyedLimiter creates a KeyedLimiter that allows perMinute operations per
// minute for each key, with bursts up to burst.
func NewKeyedLimiter(perMinute, burst int) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	return &KeyedLimiter{
		perMinute: perMinute,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Allow reports whether an operation for key may proceed now and consumes a
// token if so.
func (k *KeyedLimiter) Allow(key string) bool {
	if k == nil || k.perMinute <= 0 {
		return true
	}
	return k.limiter(key).Allow()
}

func (k *KeyedLimiter) limiter(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(k.perMinute)), k.burst)
		k.limiters[key] = l
	}
	return l
}
