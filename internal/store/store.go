package store

import (
	"context"
	"errors"
	"time"

	"cafm/internal/model"
)

// Store is the persistence interface used by the API server. It also
// satisfies the assignment engine's LocationDirectory and WorkOrderWriter
// capabilities.
type Store interface {
	// Work orders
	CreateWorkOrders(ctx context.Context, tenantID string, orders []model.WorkOrderIn) (importID string, created, skipped int, err error)
	ListWorkOrders(ctx context.Context, tenantID, status, cursor string, limit int) (items []model.WorkOrder, nextCursor string, err error)
	GetWorkOrder(ctx context.Context, tenantID, id string) (model.WorkOrder, error)
	PatchWorkOrder(ctx context.Context, tenantID, id string, patch model.WorkOrderPatch) (model.WorkOrder, error)
	ApplyAssignment(ctx context.Context, tenantID, workOrderID, technicianID string, travelMinutes float64) (model.WorkOrder, error)
	ListUnassignedWorkOrders(ctx context.Context, tenantID string, limit int) ([]model.WorkOrder, error)
	ListWorkOrdersForTechnician(ctx context.Context, tenantID, technicianID string) ([]model.WorkOrder, error)

	// Technicians. ListActiveTechnicians returns the candidate pool with the
	// derived active-assignment count filled in.
	CreateTechnician(ctx context.Context, tenantID string, in model.TechnicianIn) (model.Technician, error)
	ListTechnicians(ctx context.Context, tenantID, cursor string, limit int) ([]model.Technician, string, error)
	GetTechnician(ctx context.Context, tenantID, id string) (model.Technician, error)
	PatchTechnician(ctx context.Context, tenantID, id string, in model.TechnicianIn) (model.Technician, error)
	ListActiveTechnicians(ctx context.Context, tenantID string) ([]model.Technician, error)
	SetTechnicianLocation(ctx context.Context, tenantID, technicianID string, loc model.GeoPoint, ts time.Time) error

	// Sites / locations
	UpsertSite(ctx context.Context, tenantID string, in model.SiteIn) error
	ResolveLocation(ctx context.Context, tenantID, ref string) (model.GeoPoint, bool, error)

	// Assets
	CreateAsset(ctx context.Context, tenantID string, in model.AssetIn) (model.Asset, error)
	ListAssets(ctx context.Context, tenantID, cursor string, limit int) ([]model.Asset, string, error)
	GetAsset(ctx context.Context, tenantID, id string) (model.Asset, error)
	PatchAsset(ctx context.Context, tenantID, id string, in model.AssetIn) (model.Asset, error)
	DeleteAsset(ctx context.Context, tenantID, id string) error

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, tenantID, id string) error
	ListWebhookDLQ(ctx context.Context, tenantID, eventType, cursor string, limit int) ([]map[string]any, string, error)
	RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error
	WebhookMetrics(ctx context.Context, tenantID string, since time.Time, eventType, status string) ([]map[string]any, error)

	// Mobile sync
	ListChangesSince(ctx context.Context, tenantID string, since time.Time, limit int) ([]model.SyncChange, error)

	// Stats & per-tenant scoring config
	WorkOrderStats(ctx context.Context, tenantID string) (map[string]any, error)
	GetScoringConfig(ctx context.Context, tenantID string) (map[string]any, error)
	SaveScoringConfig(ctx context.Context, tenantID string, cfg map[string]any) error
}

var ErrNotFound = errors.New("not found")
