package api

import (
	"context"
	"net/http"
	"os"
	"strings"

	"cafm/internal/assign"
	"cafm/internal/auth"
	"cafm/internal/store"
	"cafm/internal/webhooks"
)

type Server struct {
	Store  store.Store
	Pub    *webhooks.Publisher
	Auth   *auth.Verifier
	Broker EventBroker
	Engine *assign.Engine
	Locs   *LocationCache
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer() (*Server, error) {
	dsn := os.Getenv("DATABASE_URL")
	var s store.Store
	if strings.TrimSpace(dsn) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			_ = sp.MigrateDir("db/migrations")
		}
		s = sp
	}
	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil { broker = rb } else { broker = NewBroker() }
	} else {
		broker = NewBroker()
	}
	return &Server{
		Store:  s,
		Pub:    webhooks.NewPublisher(s),
		Auth:   auth.NewVerifierFromEnv(),
		Broker: broker,
		Engine: assign.NewEngine(s),
		Locs:   NewLocationCache(),
	}, nil
}

func (s *Server) withTenant(r *http.Request) (context.Context, string) {
	// For now, get tenant from header; in production decode from JWT.
	tenant := r.Header.Get("X-Tenant-Id")
	if tenant == "" { tenant = "t_demo" }
	ctx := context.WithValue(r.Context(), ctxKeyTenant{}, tenant)
	return ctx, tenant
}

type ctxKeyTenant struct{}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store)
}

// tenantEngine returns the engine with the tenant's configured weights, or
// the defaults when no config is stored.
func (s *Server) tenantEngine(r *http.Request, tenant string) *assign.Engine {
	cfg, err := s.Store.GetScoringConfig(r.Context(), tenant)
	if err != nil || cfg == nil {
		return s.Engine
	}
	w, ok := weightsFromConfig(cfg)
	if !ok {
		return s.Engine
	}
	return s.Engine.WithWeights(w)
}

func weightsFromConfig(cfg map[string]any) (assign.Weights, bool) {
	get := func(k string) (float64, bool) { f, ok := cfg[k].(float64); return f, ok }
	sk, ok1 := get("skill")
	di, ok2 := get("distance")
	wl, ok3 := get("workload")
	pr, ok4 := get("priority")
	if !(ok1 && ok2 && ok3 && ok4) {
		return assign.Weights{}, false
	}
	w := assign.Weights{Skill: sk, Distance: di, Workload: wl, Priority: pr}
	if err := w.Validate(); err != nil {
		return assign.Weights{}, false
	}
	return w, true
}
