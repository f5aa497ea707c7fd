package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"cafm/internal/metrics"
	"cafm/internal/store"
)

// Worker drains due deliveries on a fixed tick and posts them with retries.
// A delivery that exhausts MaxAttempts moves to the dead-letter queue.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	Stop        chan struct{}
	MaxAttempts int
}

func NewWorker(s store.Store) *Worker {
	max := 10
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 { max = n }
	}
	return &Worker{Store: s, HTTP: &http.Client{Timeout: 5 * time.Second}, Stop: make(chan struct{}), MaxAttempts: max}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, 50)
	if err != nil || len(items) == 0 {
		return
	}
	for _, it := range items {
		code, latency, err := w.deliver(ctx, it)
		success := err == nil && code >= 200 && code < 300
		lastErr := ""
		if err != nil {
			lastErr = err.Error()
		} else if !success {
			lastErr = fmt.Sprintf("http %d", code)
		}
		outcome := "delivered"
		dead := !success && it.Attempts+1 >= w.MaxAttempts
		if !success {
			outcome = "retry"
			if dead { outcome = "failed" }
		}
		metrics.WebhookDeliveries.WithLabelValues(it.EventType, outcome).Inc()
		metrics.WebhookLatency.WithLabelValues(it.EventType, outcome).Observe(float64(latency))
		if dead {
			_ = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
			continue
		}
		next := time.Now().Add(nextBackoff(it.Attempts))
		_ = w.Store.MarkWebhookDelivery(ctx, it.ID, success, &next, lastErr, code, latency)
	}
}

func (w *Worker) deliver(ctx context.Context, d store.WebhookDelivery) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", d.EventType)
	if d.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(d.Secret, d.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return 0, latency, err
	}
	if resp.Body != nil { _ = resp.Body.Close() }
	return resp.StatusCode, latency, nil
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 { attempts = 0 }
	// 2^12 s already exceeds the cap; clamping the shift keeps it overflow-safe.
	if attempts > 12 { attempts = 12 }
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour { base = time.Hour }
	return base
}
