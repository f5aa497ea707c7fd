package webhooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cafm/internal/metrics"
	"cafm/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []markRec
	fails []failRec
}
type markRec struct {
	ID      string
	Success bool
	Code    int
	LastErr string
}
type failRec struct {
	ID      string
	Code    int
	LastErr string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, markRec{ID: id, Success: success, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}

func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, failRec{ID: id, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 3}
	id, err := rs.Memory.EnqueueWebhook(context.Background(), "t1", "", EventWorkOrderAssigned, srv.URL, "secret", []byte(`{"id":"evt1"}`))
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	delivered := testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues(EventWorkOrderAssigned, "delivered"))
	w.processOnce()
	if got := testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues(EventWorkOrderAssigned, "delivered")); got != delivered+1 {
		t.Fatalf("delivered counter = %v, want %v", got, delivered+1)
	}

	if gotSig == "" || gotType != EventWorkOrderAssigned {
		t.Fatalf("missing signature/type headers: sig=%q type=%q", gotSig, gotType)
	}
	if len(rs.marks) == 0 || !rs.marks[0].Success {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
	if !VerifyHMAC("secret", []byte(`{"id":"evt1"}`), gotSig) {
		t.Fatalf("signature does not verify")
	}
}

func TestWorkerProcessOnce_ExhaustedAttemptsDeadLetters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 1}
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "t1", "", EventWorkOrderCreated, srv.URL, "", []byte(`{}`))
	failed := testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues(EventWorkOrderCreated, "failed"))
	w.processOnce()
	if len(rs.fails) == 0 {
		t.Fatalf("expected delivery moved to DLQ")
	}
	if rs.fails[0].LastErr != "http 500" {
		t.Fatalf("DLQ record lastError = %q, want \"http 500\"", rs.fails[0].LastErr)
	}
	if got := testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues(EventWorkOrderCreated, "failed")); got != failed+1 {
		t.Fatalf("failed counter = %v, want %v", got, failed+1)
	}
	dlq, _, err := rs.Memory.ListWebhookDLQ(context.Background(), "t1", "", "", 10)
	if err != nil || len(dlq) != 1 {
		t.Fatalf("expected one DLQ entry, got %d (err %v)", len(dlq), err)
	}
}

func TestWorkerProcessOnce_RetryRecordsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(503) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 5}
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "t1", "", EventWorkOrderCreated, srv.URL, "", []byte(`{}`))
	w.processOnce()
	if len(rs.marks) != 1 || rs.marks[0].Success {
		t.Fatalf("expected one retry mark, got %+v", rs.marks)
	}
	if rs.marks[0].LastErr != "http 503" {
		t.Fatalf("retry lastError = %q, want \"http 503\"", rs.marks[0].LastErr)
	}
}

func TestNextBackoffCapsAtOneHour(t *testing.T) {
	if d := nextBackoff(0); d != time.Second {
		t.Fatalf("first retry backoff = %v", d)
	}
	if d := nextBackoff(11); d != 2048*time.Second {
		t.Fatalf("backoff ramp broken below the cap: %v", d)
	}
	if d := nextBackoff(12); d != time.Hour {
		t.Fatalf("backoff not capped: %v", d)
	}
	if d := nextBackoff(20); d != time.Hour {
		t.Fatalf("backoff not capped: %v", d)
	}
}
