package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cafm/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu       sync.Mutex
	wos      map[string]model.WorkOrder // id -> work order
	woByTen  map[string][]string        // tenant -> work order ids
	techs    map[string]model.Technician
	techByTen map[string][]string
	assets   map[string]model.Asset
	assetByTen map[string][]string
	sites    map[string]model.GeoPoint // tenant|ref -> point
	subs     map[string][]model.Subscription
	// Webhook queue state
	deliveries map[string]*memDelivery
	deliveriesByTenant map[string][]string
	dlq      map[string][]map[string]any // tenant -> dead-lettered deliveries
	changes  map[string][]model.SyncChange // tenant -> change log
	scoring  map[string]map[string]any     // tenant -> scoring config
}

func NewMemory() *Memory {
	return &Memory{
		wos: map[string]model.WorkOrder{},
		woByTen: map[string][]string{},
		techs: map[string]model.Technician{},
		techByTen: map[string][]string{},
		assets: map[string]model.Asset{},
		assetByTen: map[string][]string{},
		sites: map[string]model.GeoPoint{},
		subs: map[string][]model.Subscription{},
		deliveries: map[string]*memDelivery{},
		deliveriesByTenant: map[string][]string{},
		dlq: map[string][]map[string]any{},
		changes: map[string][]model.SyncChange{},
		scoring: map[string]map[string]any{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func siteKey(tenantID, ref string) string { return tenantID + "|" + ref }

// techLocationRef is the synthetic ref under which a technician's last
// reported location is stored.
func techLocationRef(technicianID string) string { return "tech:" + technicianID }

// appendChange records a sync-feed entry; callers hold m.mu.
func (m *Memory) appendChange(tenantID, entity, id, op string, data map[string]any) {
	m.changes[tenantID] = append(m.changes[tenantID], model.SyncChange{
		Entity: entity, ID: id, Op: op,
		TS:   time.Now().UTC().Format(time.RFC3339Nano),
		Data: data,
	})
}

// Work orders

func (m *Memory) CreateWorkOrders(ctx context.Context, tenantID string, orders []model.WorkOrderIn) (string, int, int, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	created, skipped := 0, 0
	for _, in := range orders {
		if in.ExternalRef != "" && m.externalRefExists(tenantID, in.ExternalRef) {
			skipped++
			continue
		}
		prio := in.Priority
		if !prio.Valid() { prio = model.PriorityMedium }
		id := uuid.New().String()
		wo := model.WorkOrder{
			ID: id, TenantID: tenantID, ExternalRef: in.ExternalRef,
			Description: in.Description, Priority: prio, Status: model.StatusOpen,
			SiteRef: in.SiteRef, AssetID: in.AssetID, Attributes: in.Attributes,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		m.wos[id] = wo
		m.woByTen[tenantID] = append(m.woByTen[tenantID], id)
		m.appendChange(tenantID, "workorder", id, "upsert", map[string]any{"status": wo.Status})
		created++
	}
	return "imp_mem", created, skipped, nil
}

func (m *Memory) externalRefExists(tenantID, ref string) bool {
	for _, id := range m.woByTen[tenantID] {
		if m.wos[id].ExternalRef == ref { return true }
	}
	return false
}

func (m *Memory) ListWorkOrders(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.WorkOrder, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	ids := m.woByTen[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor { start = i + 1; break }
		}
	}
	if limit <= 0 { limit = 100 }
	out := []model.WorkOrder{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		wo := m.wos[ids[i]]
		if status == "" || wo.Status == status { out = append(out, wo) }
		next = ids[i]
	}
	if len(out) < limit { next = "" }
	return out, next, nil
}

func (m *Memory) GetWorkOrder(ctx context.Context, tenantID, id string) (model.WorkOrder, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	wo, ok := m.wos[id]
	if !ok || wo.TenantID != tenantID { return model.WorkOrder{}, ErrNotFound }
	return wo, nil
}

func (m *Memory) PatchWorkOrder(ctx context.Context, tenantID, id string, patch model.WorkOrderPatch) (model.WorkOrder, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	wo, ok := m.wos[id]
	if !ok || wo.TenantID != tenantID { return model.WorkOrder{}, ErrNotFound }
	if patch.Description != "" { wo.Description = patch.Description }
	if patch.Priority != "" && patch.Priority.Valid() { wo.Priority = patch.Priority }
	if patch.Status != "" { wo.Status = patch.Status }
	if patch.SiteRef != "" { wo.SiteRef = patch.SiteRef }
	m.wos[id] = wo
	m.appendChange(tenantID, "workorder", id, "upsert", map[string]any{"status": wo.Status})
	return wo, nil
}

func (m *Memory) ApplyAssignment(ctx context.Context, tenantID, workOrderID, technicianID string, travelMinutes float64) (model.WorkOrder, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	wo, ok := m.wos[workOrderID]
	if !ok || wo.TenantID != tenantID { return model.WorkOrder{}, ErrNotFound }
	wo.TechnicianID = technicianID
	wo.Status = model.StatusAssigned
	wo.ScheduledEnd = time.Now().UTC().
		Add(time.Duration(travelMinutes)*time.Minute + 2*time.Hour).
		Format(time.RFC3339)
	m.wos[workOrderID] = wo
	m.appendChange(tenantID, "workorder", workOrderID, "upsert", map[string]any{
		"status": wo.Status, "technicianId": technicianID,
	})
	return wo, nil
}

func (m *Memory) ListUnassignedWorkOrders(ctx context.Context, tenantID string, limit int) ([]model.WorkOrder, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if limit <= 0 { limit = 500 }
	out := []model.WorkOrder{}
	for _, id := range m.woByTen[tenantID] {
		wo := m.wos[id]
		if wo.Status == model.StatusOpen && wo.TechnicianID == "" {
			out = append(out, wo)
			if len(out) >= limit { break }
		}
	}
	return out, nil
}

func (m *Memory) ListWorkOrdersForTechnician(ctx context.Context, tenantID, technicianID string) ([]model.WorkOrder, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.WorkOrder{}
	for _, id := range m.woByTen[tenantID] {
		wo := m.wos[id]
		if wo.TechnicianID == technicianID { out = append(out, wo) }
	}
	return out, nil
}

// activeCountLocked counts ASSIGNED and IN_PROGRESS work orders; callers hold m.mu.
func (m *Memory) activeCountLocked(tenantID, technicianID string) int {
	n := 0
	for _, id := range m.woByTen[tenantID] {
		wo := m.wos[id]
		if wo.TechnicianID == technicianID &&
			(wo.Status == model.StatusAssigned || wo.Status == model.StatusInProgress) {
			n++
		}
	}
	return n
}

// Technicians

func (m *Memory) CreateTechnician(ctx context.Context, tenantID string, in model.TechnicianIn) (model.Technician, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id := uuid.New().String()
	status := in.Status
	if status == "" { status = "active" }
	t := model.Technician{ID: id, TenantID: tenantID, Name: in.Name, Skills: in.Skills, LocationRef: in.LocationRef, Status: status}
	m.techs[id] = t
	m.techByTen[tenantID] = append(m.techByTen[tenantID], id)
	m.appendChange(tenantID, "technician", id, "upsert", nil)
	return t, nil
}

func (m *Memory) ListTechnicians(ctx context.Context, tenantID, cursor string, limit int) ([]model.Technician, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	ids := m.techByTen[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor { start = i + 1; break }
		}
	}
	if limit <= 0 { limit = 100 }
	out := []model.Technician{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		t := m.techs[ids[i]]
		t.ActiveCount = m.activeCountLocked(tenantID, t.ID)
		out = append(out, t)
		next = ids[i]
	}
	if len(out) < limit { next = "" }
	return out, next, nil
}

func (m *Memory) GetTechnician(ctx context.Context, tenantID, id string) (model.Technician, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	t, ok := m.techs[id]
	if !ok || t.TenantID != tenantID { return model.Technician{}, ErrNotFound }
	t.ActiveCount = m.activeCountLocked(tenantID, id)
	return t, nil
}

func (m *Memory) PatchTechnician(ctx context.Context, tenantID, id string, in model.TechnicianIn) (model.Technician, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	t, ok := m.techs[id]
	if !ok || t.TenantID != tenantID { return model.Technician{}, ErrNotFound }
	if in.Name != "" { t.Name = in.Name }
	if in.Skills != nil { t.Skills = in.Skills }
	if in.LocationRef != "" { t.LocationRef = in.LocationRef }
	if in.Status != "" { t.Status = in.Status }
	m.techs[id] = t
	m.appendChange(tenantID, "technician", id, "upsert", nil)
	return t, nil
}

func (m *Memory) ListActiveTechnicians(ctx context.Context, tenantID string) ([]model.Technician, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.Technician{}
	for _, id := range m.techByTen[tenantID] {
		t := m.techs[id]
		if t.Status != "active" { continue }
		t.ActiveCount = m.activeCountLocked(tenantID, id)
		out = append(out, t)
	}
	// Stable pool order keeps scoring runs reproducible.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetTechnicianLocation(ctx context.Context, tenantID, technicianID string, loc model.GeoPoint, ts time.Time) error {
	m.mu.Lock(); defer m.mu.Unlock()
	t, ok := m.techs[technicianID]
	if !ok || t.TenantID != tenantID { return ErrNotFound }
	ref := techLocationRef(technicianID)
	m.sites[siteKey(tenantID, ref)] = loc
	t.LocationRef = ref
	m.techs[technicianID] = t
	return nil
}

// Sites / locations

func (m *Memory) UpsertSite(ctx context.Context, tenantID string, in model.SiteIn) error {
	if in.Ref == "" || in.Location == nil { return ErrNotFound }
	m.mu.Lock(); defer m.mu.Unlock()
	m.sites[siteKey(tenantID, in.Ref)] = *in.Location
	return nil
}

func (m *Memory) ResolveLocation(ctx context.Context, tenantID, ref string) (model.GeoPoint, bool, error) {
	if ref == "" { return model.GeoPoint{}, false, nil }
	m.mu.Lock(); defer m.mu.Unlock()
	pt, ok := m.sites[siteKey(tenantID, ref)]
	return pt, ok, nil
}

// Assets

func (m *Memory) CreateAsset(ctx context.Context, tenantID string, in model.AssetIn) (model.Asset, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id := uuid.New().String()
	status := in.Status
	if status == "" { status = "operational" }
	a := model.Asset{ID: id, TenantID: tenantID, Name: in.Name, Category: in.Category, SiteRef: in.SiteRef, Status: status, Attributes: in.Attributes}
	m.assets[id] = a
	m.assetByTen[tenantID] = append(m.assetByTen[tenantID], id)
	m.appendChange(tenantID, "asset", id, "upsert", nil)
	return a, nil
}

func (m *Memory) ListAssets(ctx context.Context, tenantID, cursor string, limit int) ([]model.Asset, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	ids := m.assetByTen[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor { start = i + 1; break }
		}
	}
	if limit <= 0 { limit = 100 }
	out := []model.Asset{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, m.assets[ids[i]])
		next = ids[i]
	}
	if len(out) < limit { next = "" }
	return out, next, nil
}

func (m *Memory) GetAsset(ctx context.Context, tenantID, id string) (model.Asset, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok || a.TenantID != tenantID { return model.Asset{}, ErrNotFound }
	return a, nil
}

func (m *Memory) PatchAsset(ctx context.Context, tenantID, id string, in model.AssetIn) (model.Asset, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok || a.TenantID != tenantID { return model.Asset{}, ErrNotFound }
	if in.Name != "" { a.Name = in.Name }
	if in.Category != "" { a.Category = in.Category }
	if in.SiteRef != "" { a.SiteRef = in.SiteRef }
	if in.Status != "" { a.Status = in.Status }
	if in.Attributes != nil { a.Attributes = in.Attributes }
	m.assets[id] = a
	m.appendChange(tenantID, "asset", id, "upsert", nil)
	return a, nil
}

func (m *Memory) DeleteAsset(ctx context.Context, tenantID, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok || a.TenantID != tenantID { return ErrNotFound }
	delete(m.assets, id)
	ids := m.assetByTen[tenantID]
	out := make([]string, 0, len(ids))
	for _, v := range ids { if v != id { out = append(out, v) } }
	m.assetByTen[tenantID] = out
	m.appendChange(tenantID, "asset", id, "delete", nil)
	return nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		for _, e := range s.Events {
			if e == eventType { out = append(out, s); break }
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	list := m.subs[tenantID]
	start := 0
	if cursor != "" {
		for i := range list { if list[i].ID == cursor { start = i + 1; break } }
	}
	if limit <= 0 { limit = 100 }
	end := start + limit
	if end > len(list) { end = len(list) }
	items := append([]model.Subscription(nil), list[start:end]...)
	next := ""
	if end < len(list) { next = list[end-1].ID }
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]model.Subscription, 0, len(arr))
	for _, s := range arr { if s.ID != id { out = append(out, s) } }
	m.subs[tenantID] = out
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.deliveriesByTenant[tenantID] = append(m.deliveriesByTenant[tenantID], id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, lst := range m.deliveriesByTenant {
		for _, id := range lst {
			d := m.deliveries[id]
			if d == nil { continue }
			if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
				out = append(out, d.WebhookDelivery)
				if limit > 0 && len(out) >= limit { return out, nil }
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return nil }
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return nil }
	d.Status = "failed"
	m.dlq[d.TenantID] = append(m.dlq[d.TenantID], map[string]any{
		"id": d.ID, "eventType": d.EventType, "lastError": lastError,
		"responseCode": responseCode, "latencyMs": latencyMs,
	})
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.deliveriesByTenant[tenantID] {
		d := m.deliveries[id]
		if d == nil { continue }
		if status == "" || d.Status == status {
			item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
			if !d.NextAttemptAt.IsZero() { item["nextAttemptAt"] = d.NextAttemptAt }
			if d.LastError != "" { item["lastError"] = d.LastError }
			out = append(out, item)
		}
	}
	return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d != nil && d.TenantID == tenantID {
		d.Status = "pending"
		d.NextAttemptAt = time.Now()
	}
	return nil
}

func (m *Memory) ListWebhookDLQ(ctx context.Context, tenantID, eventType, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []map[string]any{}
	for _, item := range m.dlq[tenantID] {
		if eventType != "" {
			if et, _ := item["eventType"].(string); !strings.EqualFold(et, eventType) { continue }
		}
		out = append(out, item)
	}
	return out, "", nil
}

func (m *Memory) RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil || d.TenantID != tenantID { return ErrNotFound }
	d.Status = "pending"
	d.Attempts = 0
	d.NextAttemptAt = time.Now()
	arr := m.dlq[tenantID]
	out := make([]map[string]any, 0, len(arr))
	for _, it := range arr {
		if v, _ := it["id"].(string); v != id { out = append(out, it) }
	}
	m.dlq[tenantID] = out
	return nil
}

func (m *Memory) WebhookMetrics(ctx context.Context, tenantID string, since time.Time, eventType, status string) ([]map[string]any, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	type agg struct{ cnt, sum int }
	by := map[string]*agg{} // key: eventType|status
	for _, id := range m.deliveriesByTenant[tenantID] {
		d := m.deliveries[id]
		if d == nil { continue }
		if !since.IsZero() && d.DeliveredAt != nil && d.DeliveredAt.Before(since) { continue }
		if eventType != "" && d.EventType != eventType { continue }
		if status != "" && d.Status != status { continue }
		key := d.EventType + "|" + d.Status
		a := by[key]
		if a == nil { a = &agg{}; by[key] = a }
		a.cnt++
		if d.LatencyMs > 0 { a.sum += d.LatencyMs }
	}
	out := []map[string]any{}
	for k, a := range by {
		sep := strings.IndexByte(k, '|')
		avg := 0
		if a.cnt > 0 { avg = a.sum / a.cnt }
		out = append(out, map[string]any{"event_type": k[:sep], "status": k[sep+1:], "cnt": a.cnt, "avg_latency_ms": avg})
	}
	return out, nil
}

// Mobile sync

func (m *Memory) ListChangesSince(ctx context.Context, tenantID string, since time.Time, limit int) ([]model.SyncChange, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if limit <= 0 { limit = 500 }
	out := []model.SyncChange{}
	for _, c := range m.changes[tenantID] {
		ts, err := time.Parse(time.RFC3339Nano, c.TS)
		if err != nil { continue }
		if !since.IsZero() && !ts.After(since) { continue }
		out = append(out, c)
		if len(out) >= limit { break }
	}
	return out, nil
}

// Stats & scoring config

func (m *Memory) WorkOrderStats(ctx context.Context, tenantID string) (map[string]any, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	byStatus := map[string]int{}
	assigned := 0
	for _, id := range m.woByTen[tenantID] {
		wo := m.wos[id]
		byStatus[wo.Status]++
		if wo.TechnicianID != "" { assigned++ }
	}
	return map[string]any{
		"total": len(m.woByTen[tenantID]),
		"byStatus": byStatus,
		"withTechnician": assigned,
	}, nil
}

func (m *Memory) GetScoringConfig(ctx context.Context, tenantID string) (map[string]any, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if cfg, ok := m.scoring[tenantID]; ok { return cfg, nil }
	return nil, nil
}

func (m *Memory) SaveScoringConfig(ctx context.Context, tenantID string, cfg map[string]any) error {
	m.mu.Lock(); defer m.mu.Unlock()
	m.scoring[tenantID] = cfg
	return nil
}
