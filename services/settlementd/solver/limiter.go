package solver

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultTrackedSolvers = 4096

// QuoteLimiter gives every solver its own token bucket for quote submission.
type QuoteLimiter struct {
	perSecond rate.Limit
	burst     int
	clock     func() time.Time

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

// NewQuoteLimiter allows perSecond quotes per solver with the given burst.
// A non-positive rate disables limiting.
func NewQuoteLimiter(perSecond float64, burst int, clock func() time.Time) *QuoteLimiter {
	if burst <= 0 {
		burst = 1
	}
	if clock == nil {
		clock = time.Now
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	cache, err := lru.New[string, *rate.Limiter](defaultTrackedSolvers)
	if err != nil {
		panic(err)
	}
	return &QuoteLimiter{perSecond: limit, burst: burst, clock: clock, limiters: cache}
}

// Allow implements auction.QuoteLimiter.
func (q *QuoteLimiter) Allow(solverID string) bool {
	if q == nil {
		return true
	}
	q.mu.Lock()
	limiter, ok := q.limiters.Get(solverID)
	if !ok {
		limiter = rate.NewLimiter(q.perSecond, q.burst)
		q.limiters.Add(solverID, limiter)
	}
	q.mu.Unlock()
	return limiter.AllowN(q.clock(), 1)
}
