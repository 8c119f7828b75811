package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	authFailureBurst   = 10
	failureEntryMaxAge = 10 * time.Minute
)

// failureLimiter throttles failed authentications per client IP. Requests
// that fail authentication have no identity, so they cannot reach the
// identity keyed limiter.
type failureLimiter struct {
	mutex    sync.Mutex
	limit    rate.Limit
	burst    int
	clients  map[string]*failureEntry
	lastScan time.Time
	now      func() time.Time
}

type failureEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newFailureLimiter(requests int, window time.Duration) *failureLimiter {
	burst := authFailureBurst
	if requests < burst {
		burst = requests
	}
	return &failureLimiter{
		limit:   rate.Limit(float64(requests) / window.Seconds()),
		burst:   burst,
		clients: make(map[string]*failureEntry),
		now:     time.Now,
	}
}

func (l *failureLimiter) allow(ip string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := l.now()
	if now.Sub(l.lastScan) > failureEntryMaxAge {
		for key, entry := range l.clients {
			if now.Sub(entry.lastSeen) > failureEntryMaxAge {
				delete(l.clients, key)
			}
		}
		l.lastScan = now
	}

	entry, ok := l.clients[ip]
	if !ok {
		entry = &failureEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
