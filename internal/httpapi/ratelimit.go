// ABOUTME: per-user token buckets guarding POST /chat
// ABOUTME: idle buckets are pruned inline so abandoned users do not leak

package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultChatRPM   = 30
	defaultChatBurst = 10

	// pruneEvery and idleAfter bound the bucket map: on at most one allow
	// call per interval, buckets unused for idleAfter are dropped.
	pruneEvery = 5 * time.Minute
	idleAfter  = 15 * time.Minute
)

type userLimiter struct {
	perMinute int
	burst     int

	mu        sync.Mutex
	buckets   map[string]*userBucket
	lastPrune time.Time
}

type userBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newUserLimiter(perMinute, burst int) *userLimiter {
	if perMinute <= 0 {
		perMinute = defaultChatRPM
	}
	if burst <= 0 {
		burst = defaultChatBurst
	}
	return &userLimiter{
		perMinute: perMinute,
		burst:     burst,
		buckets:   make(map[string]*userBucket),
		lastPrune: time.Now(),
	}
}

func (l *userLimiter) allow(userID string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > pruneEvery {
		l.pruneLocked(now)
	}

	b, ok := l.buckets[userID]
	if !ok {
		b = &userBucket{lim: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60), l.burst)}
		l.buckets[userID] = b
	}
	b.lastSeen = now
	return b.lim.Allow()
}

func (l *userLimiter) pruneLocked(now time.Time) {
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleAfter {
			delete(l.buckets, id)
		}
	}
	l.lastPrune = now
}
