package api

import (
	"net/http"
	"os"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// tenantLimiter applies a token bucket per tenant. RATE_RPS and RATE_BURST
// configure it; RATE_RPS=0 disables limiting.
type tenantLimiter struct {
	mu    sync.Mutex
	lims  map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func newTenantLimiterFromEnv() *tenantLimiter {
	rps := 0.0
	if v := os.Getenv("RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil { rps = f }
	}
	burst := 20
	if v := os.Getenv("RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 { burst = n }
	}
	return &tenantLimiter{lims: map[string]*rate.Limiter{}, rps: rate.Limit(rps), burst: burst}
}

func (t *tenantLimiter) limiter(tenant string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.lims[tenant]
	if !ok {
		l = rate.NewLimiter(t.rps, t.burst)
		t.lims[tenant] = l
	}
	return l
}

// RateLimitMiddleware rejects requests over the per-tenant budget with 429.
func (s *Server) RateLimitMiddleware(next http.Handler) http.Handler {
	tl := newTenantLimiterFromEnv()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tl.rps <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		_, tenant := s.withTenant(r)
		if !tl.limiter(tenant).Allow() {
			writeProblem(w, http.StatusTooManyRequests, "Rate limit exceeded", "per-tenant request budget exhausted", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}
