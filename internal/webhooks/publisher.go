package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cafm/internal/store"
)

// Event types emitted by the API server.
const (
	EventWorkOrderCreated  = "workorder.created"
	EventWorkOrderAssigned = "workorder.assigned"
	EventWorkOrderUpdated  = "workorder.updated"
	EventAssetUpdated      = "asset.updated"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit enqueues one delivery per subscription matching the tenant and event
// type. Emission is best effort; delivery retries are the worker's job.
func (p *Publisher) Emit(ctx context.Context, tenantID, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil || len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":       fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type":     eventType,
		"tenantId": tenantID,
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"data":     data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		_, _ = p.Store.EnqueueWebhook(ctx, tenantID, s.ID, eventType, s.URL, s.Secret, body)
	}
}
