package main

import (
	"bufio"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cafm/internal/api"
	"cafm/internal/metrics"
)

func main() {
	srvDeps, err := api.NewServer()
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	metrics.RegisterDefault()

	mux := http.NewServeMux()

	// Work orders
	mux.HandleFunc("/v1/workorders", srvDeps.WorkOrdersHandler)
	mux.HandleFunc("/v1/workorders/", srvDeps.WorkOrderByIDHandler) // includes /assign, /assign/auto, /events/stream

	// Assignments
	mux.HandleFunc("/v1/assignments/batch", srvDeps.AssignmentsBatchHandler)
	mux.HandleFunc("/v1/scoring/config", srvDeps.ScoringConfigHandler)
	mux.HandleFunc("/v1/admin/scoring/config", srvDeps.AdminScoringConfigHandler)

	// Technicians
	mux.HandleFunc("/v1/technicians", srvDeps.TechniciansHandler)
	mux.HandleFunc("/v1/technicians/locations/latest", srvDeps.TechnicianLocationsHandler)
	mux.HandleFunc("/v1/technicians/", srvDeps.TechnicianByIDHandler) // includes /location, /workorders

	// Sites and assets
	mux.HandleFunc("/v1/sites", srvDeps.SitesHandler)
	mux.HandleFunc("/v1/assets", srvDeps.AssetsHandler)
	mux.HandleFunc("/v1/assets/", srvDeps.AssetByIDHandler)

	// Subscriptions and media
	mux.HandleFunc("/v1/subscriptions", srvDeps.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", srvDeps.SubscriptionByIDHandler)
	mux.HandleFunc("/v1/media/presign", srvDeps.MediaPresignHandler)

	// Mobile sync
	mux.HandleFunc("/v1/sync/changes", srvDeps.SyncChangesHandler)
	mux.HandleFunc("/v1/sync/ws", srvDeps.SyncWSHandler)

	// Health and observability
	mux.HandleFunc("/healthz", srvDeps.HealthHandler)
	mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/openapi.yaml", srvDeps.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", srvDeps.OpenAPIJSONHandler)
	mux.HandleFunc("/docs", srvDeps.DocsHandler)
	mux.HandleFunc("/debug/info", srvDeps.DebugJSON)

	// Admin
	mux.HandleFunc("/v1/admin/webhook-deliveries", srvDeps.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", srvDeps.WebhookDeliveryRetryHandler)
	mux.HandleFunc("/v1/admin/webhook-dlq", srvDeps.WebhookDLQHandler)
	mux.HandleFunc("/v1/admin/webhook-dlq/", srvDeps.WebhookDLQHandler)
	mux.HandleFunc("/v1/admin/webhook-metrics", srvDeps.WebhookMetricsHandler)
	mux.HandleFunc("/v1/admin/workorders/stats", srvDeps.WorkOrderStatsHandler)
	mux.HandleFunc("/v1/admin/assignment-metrics", srvDeps.AssignmentMetricsHandler)

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	handler := logMiddleware(metricsMiddleware(srvDeps.RateLimitMiddleware(mux)))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("API listening on %s", addr)
	// Start webhook worker
	if srvDeps.Pub != nil {
		worker := srvDeps.NewWebhookWorker()
		worker.Start()
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(start)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok { f.Flush() }
}

// Hijack keeps the WebSocket upgrade working through the wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(rec, r)
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}
