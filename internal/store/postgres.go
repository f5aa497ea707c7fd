package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"cafm/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in lexical order. Dev helper;
// production deployments run migrations out of band.
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil { return err }
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { names = append(names, e.Name()) }
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil { return err }
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

// CreateWorkOrders inserts work orders. Dedup by (tenant_id, external_ref).
func (p *Postgres) CreateWorkOrders(ctx context.Context, tenantID string, orders []model.WorkOrderIn) (string, int, int, error) {
	importID := fmt.Sprintf("imp_%d", time.Now().UnixNano())
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil { return "", 0, 0, err }
	defer func(){ _ = tx.Rollback() }()

	created := 0
	skipped := 0
	for _, o := range orders {
		if o.ExternalRef != "" {
			var existsID string
			err = tx.QueryRowContext(ctx, `SELECT id::text FROM work_orders WHERE tenant_id=$1 AND external_ref=$2`, tenantID, o.ExternalRef).Scan(&existsID)
			if err == nil {
				skipped++
				continue
			}
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return "", 0, 0, err
			}
		}
		prio := o.Priority
		if !prio.Valid() { prio = model.PriorityMedium }
		oid := uuid.New()
		_, err = tx.ExecContext(ctx, `INSERT INTO work_orders (id, tenant_id, external_ref, description, priority, status, site_ref, asset_id, attrs) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			oid, tenantID, nullIfEmpty(o.ExternalRef), o.Description, string(prio), model.StatusOpen, nullIfEmpty(o.SiteRef), nullIfEmpty(o.AssetID), toJSON(o.Attributes))
		if err != nil { return "", 0, 0, err }
		if err := insertChangeTx(ctx, tx, tenantID, "workorder", oid.String(), "upsert"); err != nil { return "", 0, 0, err }
		created++
	}
	if err := tx.Commit(); err != nil { return "", 0, 0, err }
	return importID, created, skipped, nil
}

func (p *Postgres) ListWorkOrders(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.WorkOrder, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	var rows *sql.Rows
	var err error
	base := `SELECT id::text, COALESCE(external_ref,''), description, priority, status, COALESCE(site_ref,''), COALESCE(asset_id,''), COALESCE(technician_id::text,''), created_at, scheduled_end FROM work_orders WHERE tenant_id=$1`
	if status != "" {
		if cursor != "" {
			rows, err = p.db.QueryContext(ctx, base+` AND status=$2 AND id::text > $3 ORDER BY id LIMIT $4`, tenantID, status, cursor, limit)
		} else {
			rows, err = p.db.QueryContext(ctx, base+` AND status=$2 ORDER BY id LIMIT $3`, tenantID, status, limit)
		}
	} else {
		if cursor != "" {
			rows, err = p.db.QueryContext(ctx, base+` AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
		} else {
			rows, err = p.db.QueryContext(ctx, base+` ORDER BY id LIMIT $2`, tenantID, limit)
		}
	}
	if err != nil { return nil, "", err }
	defer rows.Close()
	out := []model.WorkOrder{}
	var last string
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil { return nil, "", err }
		wo.TenantID = tenantID
		out = append(out, wo)
		last = wo.ID
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

func scanWorkOrder(s scanner) (model.WorkOrder, error) {
	var wo model.WorkOrder
	var createdAt time.Time
	var schedEnd sql.NullTime
	err := s.Scan(&wo.ID, &wo.ExternalRef, &wo.Description, &wo.Priority, &wo.Status, &wo.SiteRef, &wo.AssetID, &wo.TechnicianID, &createdAt, &schedEnd)
	if err != nil { return wo, err }
	wo.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	if schedEnd.Valid { wo.ScheduledEnd = schedEnd.Time.UTC().Format(time.RFC3339) }
	return wo, nil
}

func (p *Postgres) GetWorkOrder(ctx context.Context, tenantID, id string) (model.WorkOrder, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, COALESCE(external_ref,''), description, priority, status, COALESCE(site_ref,''), COALESCE(asset_id,''), COALESCE(technician_id::text,''), created_at, scheduled_end FROM work_orders WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	wo, err := scanWorkOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) { return wo, ErrNotFound }
		return wo, err
	}
	wo.TenantID = tenantID
	return wo, nil
}

func (p *Postgres) PatchWorkOrder(ctx context.Context, tenantID, id string, patch model.WorkOrderPatch) (model.WorkOrder, error) {
	sets := []string{}
	args := []any{}
	idx := 1
	add := func(col string, v any) { sets = append(sets, fmt.Sprintf("%s=$%d", col, idx)); args = append(args, v); idx++ }
	if patch.Description != "" { add("description", patch.Description) }
	if patch.Priority != "" && patch.Priority.Valid() { add("priority", string(patch.Priority)) }
	if patch.Status != "" { add("status", patch.Status) }
	if patch.SiteRef != "" { add("site_ref", patch.SiteRef) }
	if len(sets) == 0 {
		return p.GetWorkOrder(ctx, tenantID, id)
	}
	q := "UPDATE work_orders SET " + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE tenant_id=$%d AND id=$%d", idx, idx+1)
	args = append(args, tenantID, id)
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil { return model.WorkOrder{}, err }
	if n, _ := res.RowsAffected(); n == 0 { return model.WorkOrder{}, ErrNotFound }
	_ = p.insertChange(ctx, tenantID, "workorder", id, "upsert")
	return p.GetWorkOrder(ctx, tenantID, id)
}

func (p *Postgres) ApplyAssignment(ctx context.Context, tenantID, workOrderID, technicianID string, travelMinutes float64) (model.WorkOrder, error) {
	end := time.Now().UTC().Add(time.Duration(travelMinutes)*time.Minute + 2*time.Hour)
	res, err := p.db.ExecContext(ctx, `UPDATE work_orders SET technician_id=$1, status=$2, scheduled_end=$3 WHERE tenant_id=$4 AND id=$5`,
		technicianID, model.StatusAssigned, end, tenantID, workOrderID)
	if err != nil { return model.WorkOrder{}, err }
	if n, _ := res.RowsAffected(); n == 0 { return model.WorkOrder{}, ErrNotFound }
	_ = p.insertChange(ctx, tenantID, "workorder", workOrderID, "upsert")
	return p.GetWorkOrder(ctx, tenantID, workOrderID)
}

func (p *Postgres) ListUnassignedWorkOrders(ctx context.Context, tenantID string, limit int) ([]model.WorkOrder, error) {
	if limit <= 0 || limit > 1000 { limit = 500 }
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(external_ref,''), description, priority, status, COALESCE(site_ref,''), COALESCE(asset_id,''), COALESCE(technician_id::text,''), created_at, scheduled_end FROM work_orders WHERE tenant_id=$1 AND status=$2 AND technician_id IS NULL ORDER BY created_at LIMIT $3`, tenantID, model.StatusOpen, limit)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.WorkOrder{}
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil { return nil, err }
		wo.TenantID = tenantID
		out = append(out, wo)
	}
	return out, nil
}

func (p *Postgres) ListWorkOrdersForTechnician(ctx context.Context, tenantID, technicianID string) ([]model.WorkOrder, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(external_ref,''), description, priority, status, COALESCE(site_ref,''), COALESCE(asset_id,''), COALESCE(technician_id::text,''), created_at, scheduled_end FROM work_orders WHERE tenant_id=$1 AND technician_id=$2 ORDER BY created_at`, tenantID, technicianID)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.WorkOrder{}
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil { return nil, err }
		wo.TenantID = tenantID
		out = append(out, wo)
	}
	return out, nil
}

// Technicians

func (p *Postgres) CreateTechnician(ctx context.Context, tenantID string, in model.TechnicianIn) (model.Technician, error) {
	id := uuid.New().String()
	status := in.Status
	if status == "" { status = "active" }
	skills, _ := json.Marshal(in.Skills)
	_, err := p.db.ExecContext(ctx, `INSERT INTO technicians (id, tenant_id, name, skills, location_ref, status) VALUES ($1,$2,$3,$4,$5,$6)`,
		id, tenantID, in.Name, skills, nullIfEmpty(in.LocationRef), status)
	if err != nil { return model.Technician{}, err }
	_ = p.insertChange(ctx, tenantID, "technician", id, "upsert")
	return model.Technician{ID: id, TenantID: tenantID, Name: in.Name, Skills: in.Skills, LocationRef: in.LocationRef, Status: status}, nil
}

const techSelect = `SELECT t.id::text, t.name, t.skills, COALESCE(t.location_ref,''), t.status,
	(SELECT COUNT(*) FROM work_orders w WHERE w.tenant_id=t.tenant_id AND w.technician_id=t.id AND w.status IN ('ASSIGNED','IN_PROGRESS')) AS active_count
	FROM technicians t WHERE t.tenant_id=$1`

func scanTechnician(s scanner) (model.Technician, error) {
	var t model.Technician
	var skills []byte
	err := s.Scan(&t.ID, &t.Name, &skills, &t.LocationRef, &t.Status, &t.ActiveCount)
	if err != nil { return t, err }
	_ = json.Unmarshal(skills, &t.Skills)
	return t, nil
}

func (p *Postgres) ListTechnicians(ctx context.Context, tenantID, cursor string, limit int) ([]model.Technician, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, techSelect+` AND t.id::text > $2 ORDER BY t.id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, techSelect+` ORDER BY t.id LIMIT $2`, tenantID, limit)
	}
	if err != nil { return nil, "", err }
	defer rows.Close()
	out := []model.Technician{}
	var last string
	for rows.Next() {
		t, err := scanTechnician(rows)
		if err != nil { return nil, "", err }
		t.TenantID = tenantID
		out = append(out, t)
		last = t.ID
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, nil
}

func (p *Postgres) GetTechnician(ctx context.Context, tenantID, id string) (model.Technician, error) {
	row := p.db.QueryRowContext(ctx, techSelect+` AND t.id=$2`, tenantID, id)
	t, err := scanTechnician(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) { return t, ErrNotFound }
		return t, err
	}
	t.TenantID = tenantID
	return t, nil
}

func (p *Postgres) PatchTechnician(ctx context.Context, tenantID, id string, in model.TechnicianIn) (model.Technician, error) {
	sets := []string{}
	args := []any{}
	idx := 1
	add := func(col string, v any) { sets = append(sets, fmt.Sprintf("%s=$%d", col, idx)); args = append(args, v); idx++ }
	if in.Name != "" { add("name", in.Name) }
	if in.Skills != nil { skills, _ := json.Marshal(in.Skills); add("skills", skills) }
	if in.LocationRef != "" { add("location_ref", in.LocationRef) }
	if in.Status != "" { add("status", in.Status) }
	if len(sets) == 0 { return p.GetTechnician(ctx, tenantID, id) }
	q := "UPDATE technicians SET " + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE tenant_id=$%d AND id=$%d", idx, idx+1)
	args = append(args, tenantID, id)
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil { return model.Technician{}, err }
	if n, _ := res.RowsAffected(); n == 0 { return model.Technician{}, ErrNotFound }
	_ = p.insertChange(ctx, tenantID, "technician", id, "upsert")
	return p.GetTechnician(ctx, tenantID, id)
}

func (p *Postgres) ListActiveTechnicians(ctx context.Context, tenantID string) ([]model.Technician, error) {
	rows, err := p.db.QueryContext(ctx, techSelect+` AND t.status='active' ORDER BY t.id`, tenantID)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Technician{}
	for rows.Next() {
		t, err := scanTechnician(rows)
		if err != nil { return nil, err }
		t.TenantID = tenantID
		out = append(out, t)
	}
	return out, nil
}

func (p *Postgres) SetTechnicianLocation(ctx context.Context, tenantID, technicianID string, loc model.GeoPoint, ts time.Time) error {
	var exists string
	err := p.db.QueryRowContext(ctx, `SELECT id::text FROM technicians WHERE tenant_id=$1 AND id=$2`, tenantID, technicianID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) { return ErrNotFound }
	if err != nil { return err }
	ref := "tech:" + technicianID
	_, err = p.db.ExecContext(ctx, `INSERT INTO sites (tenant_id, ref, lat, lng, updated_at) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, ref) DO UPDATE SET lat=$3, lng=$4, updated_at=$5`, tenantID, ref, loc.Lat, loc.Lng, ts)
	if err != nil { return err }
	_, err = p.db.ExecContext(ctx, `UPDATE technicians SET location_ref=$1 WHERE tenant_id=$2 AND id=$3`, ref, tenantID, technicianID)
	return err
}

// Sites

func (p *Postgres) UpsertSite(ctx context.Context, tenantID string, in model.SiteIn) error {
	if in.Ref == "" || in.Location == nil { return ErrNotFound }
	_, err := p.db.ExecContext(ctx, `INSERT INTO sites (tenant_id, ref, name, lat, lng, updated_at) VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (tenant_id, ref) DO UPDATE SET name=$3, lat=$4, lng=$5, updated_at=now()`, tenantID, in.Ref, nullIfEmpty(in.Name), in.Location.Lat, in.Location.Lng)
	return err
}

func (p *Postgres) ResolveLocation(ctx context.Context, tenantID, ref string) (model.GeoPoint, bool, error) {
	if ref == "" { return model.GeoPoint{}, false, nil }
	var pt model.GeoPoint
	err := p.db.QueryRowContext(ctx, `SELECT lat, lng FROM sites WHERE tenant_id=$1 AND ref=$2`, tenantID, ref).Scan(&pt.Lat, &pt.Lng)
	if errors.Is(err, sql.ErrNoRows) { return model.GeoPoint{}, false, nil }
	if err != nil { return model.GeoPoint{}, false, err }
	return pt, true, nil
}

// Assets

func (p *Postgres) CreateAsset(ctx context.Context, tenantID string, in model.AssetIn) (model.Asset, error) {
	id := uuid.New().String()
	status := in.Status
	if status == "" { status = "operational" }
	_, err := p.db.ExecContext(ctx, `INSERT INTO assets (id, tenant_id, name, category, site_ref, status, attrs) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, tenantID, in.Name, nullIfEmpty(in.Category), nullIfEmpty(in.SiteRef), status, toJSON(in.Attributes))
	if err != nil { return model.Asset{}, err }
	_ = p.insertChange(ctx, tenantID, "asset", id, "upsert")
	return model.Asset{ID: id, TenantID: tenantID, Name: in.Name, Category: in.Category, SiteRef: in.SiteRef, Status: status, Attributes: in.Attributes}, nil
}

func scanAsset(s scanner) (model.Asset, error) {
	var a model.Asset
	var attrs []byte
	err := s.Scan(&a.ID, &a.Name, &a.Category, &a.SiteRef, &a.Status, &attrs)
	if err != nil { return a, err }
	if len(attrs) > 0 { _ = json.Unmarshal(attrs, &a.Attributes) }
	return a, nil
}

const assetSelect = `SELECT id::text, name, COALESCE(category,''), COALESCE(site_ref,''), status, attrs FROM assets WHERE tenant_id=$1`

func (p *Postgres) ListAssets(ctx context.Context, tenantID, cursor string, limit int) ([]model.Asset, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, assetSelect+` AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, assetSelect+` ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil { return nil, "", err }
	defer rows.Close()
	out := []model.Asset{}
	var last string
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil { return nil, "", err }
		a.TenantID = tenantID
		out = append(out, a)
		last = a.ID
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, nil
}

func (p *Postgres) GetAsset(ctx context.Context, tenantID, id string) (model.Asset, error) {
	row := p.db.QueryRowContext(ctx, assetSelect+` AND id=$2`, tenantID, id)
	a, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) { return a, ErrNotFound }
		return a, err
	}
	a.TenantID = tenantID
	return a, nil
}

func (p *Postgres) PatchAsset(ctx context.Context, tenantID, id string, in model.AssetIn) (model.Asset, error) {
	sets := []string{}
	args := []any{}
	idx := 1
	add := func(col string, v any) { sets = append(sets, fmt.Sprintf("%s=$%d", col, idx)); args = append(args, v); idx++ }
	if in.Name != "" { add("name", in.Name) }
	if in.Category != "" { add("category", in.Category) }
	if in.SiteRef != "" { add("site_ref", in.SiteRef) }
	if in.Status != "" { add("status", in.Status) }
	if in.Attributes != nil { add("attrs", toJSON(in.Attributes)) }
	if len(sets) == 0 { return p.GetAsset(ctx, tenantID, id) }
	q := "UPDATE assets SET " + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE tenant_id=$%d AND id=$%d", idx, idx+1)
	args = append(args, tenantID, id)
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil { return model.Asset{}, err }
	if n, _ := res.RowsAffected(); n == 0 { return model.Asset{}, ErrNotFound }
	_ = p.insertChange(ctx, tenantID, "asset", id, "upsert")
	return p.GetAsset(ctx, tenantID, id)
}

func (p *Postgres) DeleteAsset(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM assets WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
	return p.insertChange(ctx, tenantID, "asset", id, "delete")
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`, id, req.TenantID, req.URL, ev, req.Secret)
	if err != nil { return model.Subscription{}, err }
	return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE tenant_id=$1 AND events @> $2::jsonb`, tenantID, fmt.Sprintf("[\"%s\"]", eventType))
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &events); err != nil { return nil, err }
		s.TenantID = tenantID
		_ = json.Unmarshal(events, &s.Events)
		out = append(out, s)
	}
	return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil { return nil, "", err }
	defer rows.Close()
	var out []model.Subscription
	var last string
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil { return nil, "", err }
		s.TenantID = tenantID
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return err
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
		ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING`, id, tenantID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil { return "", err }
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		var payload []byte
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &payload, &d.Status, &d.Attempts); err != nil { return nil, err }
		d.Payload = payload
		out = append(out, d)
	}
	return out, nil
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil { t := time.Now().Add(1 * time.Minute); nextAttemptAt = &t }
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`, id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
	if err != nil { return err }
	_, err = p.db.ExecContext(ctx, `INSERT INTO webhook_dlq (id, tenant_id, delivery_id, event_type, url, secret, payload, attempts, last_error)
		SELECT gen_random_uuid(), tenant_id, id, event_type, url, secret, payload, attempts+1, $2 FROM webhook_deliveries WHERE id=$1`, id, nullIfEmpty(lastError))
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url FROM webhook_deliveries WHERE tenant_id=$1`
	var rows *sql.Rows
	var err error
	if status != "" {
		q += ` AND status=$2 ORDER BY id LIMIT $3`
		rows, err = p.db.QueryContext(ctx, q, tenantID, status, limit)
	} else {
		q += ` ORDER BY id LIMIT $2`
		rows, err = p.db.QueryContext(ctx, q, tenantID, limit)
	}
	if err != nil { return nil, "", err }
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		var id, typ, st, lastErr, url string
		var attempts int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil { return nil, "", err }
		m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid { m["nextAttemptAt"] = nextAt.Time }
		if lastErr != "" { m["lastError"] = lastErr }
		out = append(out, m)
	}
	return out, "", nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return err
}

func (p *Postgres) ListWebhookDLQ(ctx context.Context, tenantID, eventType, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	q := `SELECT id::text, delivery_id::text, event_type, url, attempts, COALESCE(last_error,''), created_at FROM webhook_dlq WHERE tenant_id=$1`
	args := []any{tenantID}
	idx := 2
	if eventType != "" { q += fmt.Sprintf(` AND event_type=$%d`, idx); args = append(args, eventType); idx++ }
	if cursor != "" { q += fmt.Sprintf(` AND id::text > $%d`, idx); args = append(args, cursor); idx++ }
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, idx)
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil { return nil, "", err }
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, deliveryID, typ, url, lastErr string
		var attempts int
		var createdAt time.Time
		if err := rows.Scan(&id, &deliveryID, &typ, &url, &attempts, &lastErr, &createdAt); err != nil { return nil, "", err }
		out = append(out, map[string]any{"id": id, "deliveryId": deliveryID, "eventType": typ, "url": url, "attempts": attempts, "lastError": lastErr, "createdAt": createdAt})
		last = id
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, nil
}

func (p *Postgres) RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error {
	var deliveryID string
	err := p.db.QueryRowContext(ctx, `SELECT delivery_id::text FROM webhook_dlq WHERE tenant_id=$1 AND id=$2`, tenantID, id).Scan(&deliveryID)
	if errors.Is(err, sql.ErrNoRows) { return ErrNotFound }
	if err != nil { return err }
	_, err = p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', attempts=0, next_attempt_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, deliveryID)
	if err != nil { return err }
	_, err = p.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return err
}

func (p *Postgres) WebhookMetrics(ctx context.Context, tenantID string, since time.Time, eventType, status string) ([]map[string]any, error) {
	q := `SELECT event_type, status, COUNT(*) AS cnt, COALESCE(AVG(latency_ms),0)::int AS avg_latency_ms FROM webhook_deliveries WHERE tenant_id=$1 AND updated_at >= $2`
	args := []any{tenantID, since}
	idx := 3
	if eventType != "" { q += ` AND event_type=$` + fmt.Sprint(idx); args = append(args, eventType); idx++ }
	if status != "" { q += ` AND status=$` + fmt.Sprint(idx); args = append(args, status); idx++ }
	q += ` GROUP BY event_type, status`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		var et, st string
		var cnt, avg int64
		if err := rows.Scan(&et, &st, &cnt, &avg); err != nil { return nil, err }
		out = append(out, map[string]any{"event_type": et, "status": st, "cnt": cnt, "avg_latency_ms": avg})
	}
	return out, nil
}

// Mobile sync

func (p *Postgres) insertChange(ctx context.Context, tenantID, entity, id, op string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO change_log (tenant_id, entity, entity_id, op, ts) VALUES ($1,$2,$3,$4,now())`, tenantID, entity, id, op)
	return err
}

func insertChangeTx(ctx context.Context, tx *sql.Tx, tenantID, entity, id, op string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO change_log (tenant_id, entity, entity_id, op, ts) VALUES ($1,$2,$3,$4,now())`, tenantID, entity, id, op)
	return err
}

func (p *Postgres) ListChangesSince(ctx context.Context, tenantID string, since time.Time, limit int) ([]model.SyncChange, error) {
	if limit <= 0 || limit > 1000 { limit = 500 }
	rows, err := p.db.QueryContext(ctx, `SELECT entity, entity_id, op, ts FROM change_log WHERE tenant_id=$1 AND ts > $2 ORDER BY ts LIMIT $3`, tenantID, since, limit)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.SyncChange{}
	for rows.Next() {
		var c model.SyncChange
		var ts time.Time
		if err := rows.Scan(&c.Entity, &c.ID, &c.Op, &ts); err != nil { return nil, err }
		c.TS = ts.UTC().Format(time.RFC3339Nano)
		out = append(out, c)
	}
	return out, nil
}

// Stats & scoring config

func (p *Postgres) WorkOrderStats(ctx context.Context, tenantID string) (map[string]any, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_orders WHERE tenant_id=$1 GROUP BY status`, tenantID)
	if err != nil { return nil, err }
	defer rows.Close()
	byStatus := map[string]int{}
	total := 0
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil { return nil, err }
		byStatus[st] = n
		total += n
	}
	var assigned int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_orders WHERE tenant_id=$1 AND technician_id IS NOT NULL`, tenantID).Scan(&assigned); err != nil { return nil, err }
	return map[string]any{"total": total, "byStatus": byStatus, "withTechnician": assigned}, nil
}

func (p *Postgres) GetScoringConfig(ctx context.Context, tenantID string) (map[string]any, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT config FROM scoring_configs WHERE tenant_id=$1`, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) { return nil, nil }
	if err != nil { return nil, err }
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil { return nil, err }
	return cfg, nil
}

func (p *Postgres) SaveScoringConfig(ctx context.Context, tenantID string, cfg map[string]any) error {
	raw, err := json.Marshal(cfg)
	if err != nil { return err }
	_, err = p.db.ExecContext(ctx, `INSERT INTO scoring_configs (tenant_id, config, updated_at) VALUES ($1,$2,now())
		ON CONFLICT (tenant_id) DO UPDATE SET config=$2, updated_at=now()`, tenantID, raw)
	return err
}

func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }

func toJSON(m map[string]any) any {
	if m == nil { return nil }
	b, _ := json.Marshal(m)
	return b
}

