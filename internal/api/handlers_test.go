package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cafm/internal/assign"
	"cafm/internal/auth"
	"cafm/internal/model"
	"cafm/internal/store"
	"cafm/internal/webhooks"
)

func newTestServer() *Server {
	st := store.NewMemory()
	return &Server{
		Store:  st,
		Pub:    webhooks.NewPublisher(st),
		Auth:   auth.NewVerifierFromEnv(),
		Broker: NewBroker(),
		Engine: assign.NewEngine(st),
		Locs:   NewLocationCache(),
	}
}

func doJSON(t *testing.T, h http.HandlerFunc, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func seedWorkOrder(t *testing.T, s *Server, in model.WorkOrderIn) model.WorkOrder {
	t.Helper()
	if _, _, _, err := s.Store.CreateWorkOrders(context.Background(), "t_demo", []model.WorkOrderIn{in}); err != nil {
		t.Fatal(err)
	}
	items, _, err := s.Store.ListWorkOrders(context.Background(), "t_demo", "", "", 1000)
	if err != nil {
		t.Fatal(err)
	}
	for _, wo := range items {
		if wo.Description == in.Description {
			return wo
		}
	}
	t.Fatal("seeded work order not found")
	return model.WorkOrder{}
}

func seedTechnician(t *testing.T, s *Server, in model.TechnicianIn) model.Technician {
	t.Helper()
	tech, err := s.Store.CreateTechnician(context.Background(), "t_demo", in)
	if err != nil {
		t.Fatal(err)
	}
	return tech
}

func seedSite(t *testing.T, s *Server, ref string, lat, lng float64) {
	t.Helper()
	err := s.Store.UpsertSite(context.Background(), "t_demo", model.SiteIn{Ref: ref, Location: &model.GeoPoint{Lat: lat, Lng: lng}})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWorkOrderImportDedupesExternalRef(t *testing.T) {
	s := newTestServer()
	body := map[string]any{
		"workOrders": []model.WorkOrderIn{
			{ExternalRef: "cmms-1", Description: "Fix wiring", SiteRef: "site-1"},
			{ExternalRef: "cmms-1", Description: "Fix wiring again", SiteRef: "site-1"},
		},
	}
	rec := doJSON(t, s.WorkOrdersHandler, http.MethodPost, "/v1/workorders", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Created int `json:"created"`
		Skipped int `json:"skipped"`
	}
	decode(t, rec, &out)
	if out.Created != 1 || out.Skipped != 1 {
		t.Fatalf("created=%d skipped=%d", out.Created, out.Skipped)
	}
}

func TestWorkOrderImportRejectsInvalidPriority(t *testing.T) {
	s := newTestServer()
	body := map[string]any{"workOrders": []map[string]any{{"description": "x", "priority": "URGENT"}}}
	rec := doJSON(t, s.WorkOrdersHandler, http.MethodPost, "/v1/workorders", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestWorkOrderGetAndPatch(t *testing.T) {
	s := newTestServer()
	wo := seedWorkOrder(t, s, model.WorkOrderIn{Description: "Inspect HVAC unit", SiteRef: "site-1"})

	rec := doJSON(t, s.WorkOrderByIDHandler, http.MethodGet, "/v1/workorders/"+wo.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	var got model.WorkOrder
	decode(t, rec, &got)
	if got.Priority != model.PriorityMedium {
		t.Errorf("default priority = %s, want MEDIUM", got.Priority)
	}

	rec = doJSON(t, s.WorkOrderByIDHandler, http.MethodPatch, "/v1/workorders/"+wo.ID,
		model.WorkOrderPatch{Priority: model.PriorityHigh, Status: model.StatusInProgress}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &got)
	if got.Priority != model.PriorityHigh || got.Status != model.StatusInProgress {
		t.Fatalf("patched = %+v", got)
	}

	rec = doJSON(t, s.WorkOrderByIDHandler, http.MethodPatch, "/v1/workorders/"+wo.ID,
		map[string]any{"priority": "BOGUS"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid priority status %d", rec.Code)
	}

	rec = doJSON(t, s.WorkOrderByIDHandler, http.MethodGet, "/v1/workorders/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing id status %d", rec.Code)
	}
}

func TestManualAssign(t *testing.T) {
	s := newTestServer()
	wo := seedWorkOrder(t, s, model.WorkOrderIn{Description: "Fix wiring", SiteRef: "site-1"})
	tech := seedTechnician(t, s, model.TechnicianIn{Name: "Ana", Skills: []string{"ELECTRICAL"}})

	rec := doJSON(t, s.WorkOrderByIDHandler, http.MethodPost, "/v1/workorders/"+wo.ID+"/assign",
		model.AssignRequest{TechnicianID: "nope"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown technician status %d", rec.Code)
	}

	rec = doJSON(t, s.WorkOrderByIDHandler, http.MethodPost, "/v1/workorders/"+wo.ID+"/assign",
		model.AssignRequest{TechnicianID: tech.ID}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("assign status %d: %s", rec.Code, rec.Body.String())
	}
	var got model.WorkOrder
	decode(t, rec, &got)
	if got.TechnicianID != tech.ID || got.Status != model.StatusAssigned {
		t.Fatalf("assigned = %+v", got)
	}

	rec = doJSON(t, s.WorkOrderByIDHandler, http.MethodPost, "/v1/workorders/"+wo.ID+"/assign",
		model.AssignRequest{TechnicianID: tech.ID}, map[string]string{"X-Role": "technician"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("technician role should be rejected, got %d", rec.Code)
	}
}

func TestAutoAssign(t *testing.T) {
	s := newTestServer()
	seedSite(t, s, "site-1", 40.0, -3.0)
	tech := seedTechnician(t, s, model.TechnicianIn{Name: "Ana", Skills: []string{"ELECTRICAL"}, Status: "active"})
	if err := s.Store.SetTechnicianLocation(context.Background(), "t_demo", tech.ID,
		model.GeoPoint{Lat: 40.0359712, Lng: -3.0}, time.Now()); err != nil {
		t.Fatal(err)
	}
	wo := seedWorkOrder(t, s, model.WorkOrderIn{
		Description: "Emergency wiring fault", Priority: model.PriorityEmergency, SiteRef: "site-1",
	})

	rec := doJSON(t, s.WorkOrderByIDHandler, http.MethodPost, "/v1/workorders/"+wo.ID+"/assign/auto", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("auto assign status %d: %s", rec.Code, rec.Body.String())
	}
	var dec model.AssignmentDecision
	decode(t, rec, &dec)
	if !dec.Assigned || dec.TechnicianID != tech.ID {
		t.Fatalf("decision = %+v", dec)
	}
	if dec.Reason != assign.ReasonExcellentSkillMatch {
		t.Errorf("reason = %s", dec.Reason)
	}

	// already assigned now
	rec = doJSON(t, s.WorkOrderByIDHandler, http.MethodPost, "/v1/workorders/"+wo.ID+"/assign/auto", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second auto assign status %d", rec.Code)
	}
}

func TestAutoAssignNoCandidate(t *testing.T) {
	s := newTestServer()
	seedSite(t, s, "site-1", 40.0, -3.0)
	wo := seedWorkOrder(t, s, model.WorkOrderIn{Description: "Fix wiring", SiteRef: "site-1"})
	rec := doJSON(t, s.WorkOrderByIDHandler, http.MethodPost, "/v1/workorders/"+wo.ID+"/assign/auto", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var dec model.AssignmentDecision
	decode(t, rec, &dec)
	if dec.Assigned {
		t.Fatalf("want unassigned decision, got %+v", dec)
	}
}

func TestBatchAssign(t *testing.T) {
	s := newTestServer()
	seedSite(t, s, "site-1", 40.0, -3.0)
	tech := seedTechnician(t, s, model.TechnicianIn{Name: "Ana", Skills: []string{"ELECTRICAL", "PLUMBING"}, Status: "active"})
	if err := s.Store.SetTechnicianLocation(context.Background(), "t_demo", tech.ID,
		model.GeoPoint{Lat: 40.0, Lng: -3.0}, time.Now()); err != nil {
		t.Fatal(err)
	}
	seedWorkOrder(t, s, model.WorkOrderIn{Description: "Fix wiring", SiteRef: "site-1"})
	seedWorkOrder(t, s, model.WorkOrderIn{Description: "Water leak in basement", SiteRef: "site-1"})

	rec := doJSON(t, s.AssignmentsBatchHandler, http.MethodPost, "/v1/assignments/batch", model.BatchAssignRequest{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Decisions []model.AssignmentDecision `json:"decisions"`
		Stats     assign.RunStats            `json:"stats"`
	}
	decode(t, rec, &out)
	if out.Stats.Assigned != 2 || out.Stats.Considered != 2 {
		t.Fatalf("stats = %+v", out.Stats)
	}
	for _, d := range out.Decisions {
		if d.TechnicianID != tech.ID {
			t.Errorf("decision %+v", d)
		}
	}
}

func TestBatchAssignForbiddenForTechnicians(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s.AssignmentsBatchHandler, http.MethodPost, "/v1/assignments/batch", nil,
		map[string]string{"X-Role": "technician"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestTechnicianLocationReporting(t *testing.T) {
	s := newTestServer()
	tech := seedTechnician(t, s, model.TechnicianIn{Name: "Ana"})

	rec := doJSON(t, s.TechnicianByIDHandler, http.MethodPost, "/v1/technicians/"+tech.ID+"/location",
		model.LocationReport{Lat: 40.1, Lng: -3.2}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.TechnicianLocationsHandler, http.MethodGet, "/v1/technicians/locations/latest", nil, nil)
	var out struct {
		Items []LatestLocation `json:"items"`
	}
	decode(t, rec, &out)
	if len(out.Items) != 1 || out.Items[0].TechnicianID != tech.ID {
		t.Fatalf("items = %+v", out.Items)
	}

	// a technician may only report their own position
	rec = doJSON(t, s.TechnicianByIDHandler, http.MethodPost, "/v1/technicians/"+tech.ID+"/location",
		model.LocationReport{Lat: 40.1, Lng: -3.2},
		map[string]string{"X-Role": "technician", "X-Technician-Id": "someone-else"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}

	rec = doJSON(t, s.TechnicianByIDHandler, http.MethodPost, "/v1/technicians/"+tech.ID+"/location",
		model.LocationReport{Lat: 95, Lng: 0}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range lat status %d", rec.Code)
	}
}

func TestTechnicianWorkOrdersRBAC(t *testing.T) {
	s := newTestServer()
	tech := seedTechnician(t, s, model.TechnicianIn{Name: "Ana"})
	rec := doJSON(t, s.TechnicianByIDHandler, http.MethodGet, "/v1/technicians/"+tech.ID+"/workorders", nil,
		map[string]string{"X-Role": "technician", "X-Technician-Id": "other"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
	rec = doJSON(t, s.TechnicianByIDHandler, http.MethodGet, "/v1/technicians/"+tech.ID+"/workorders", nil,
		map[string]string{"X-Role": "technician", "X-Technician-Id": tech.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestSyncChanges(t *testing.T) {
	s := newTestServer()
	seedWorkOrder(t, s, model.WorkOrderIn{Description: "Fix wiring", SiteRef: "site-1"})

	rec := doJSON(t, s.SyncChangesHandler, http.MethodGet, "/v1/sync/changes", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var out struct {
		Items      []model.SyncChange `json:"items"`
		ServerTime string             `json:"serverTime"`
	}
	decode(t, rec, &out)
	if len(out.Items) == 0 || out.ServerTime == "" {
		t.Fatalf("out = %+v", out)
	}

	rec = doJSON(t, s.SyncChangesHandler, http.MethodGet, "/v1/sync/changes?since=bogus", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid since status %d", rec.Code)
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	s := newTestServer()
	hdr := map[string]string{"X-Role": "customer"}
	cases := []struct {
		h    http.HandlerFunc
		path string
	}{
		{s.WorkOrderStatsHandler, "/v1/admin/workorders/stats"},
		{s.AssignmentMetricsHandler, "/v1/admin/assignment-metrics"},
		{s.WebhookDeliveriesHandler, "/v1/admin/webhook-deliveries"},
		{s.WebhookMetricsHandler, "/v1/admin/webhook-metrics"},
		{s.AdminScoringConfigHandler, "/v1/admin/scoring/config"},
	}
	for _, c := range cases {
		rec := doJSON(t, c.h, http.MethodGet, c.path, nil, hdr)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: status %d", c.path, rec.Code)
		}
	}
}

func TestScoringConfigRoundTrip(t *testing.T) {
	s := newTestServer()

	rec := doJSON(t, s.AdminScoringConfigHandler, http.MethodPut, "/v1/admin/scoring/config",
		map[string]any{"config": map[string]float64{"skill": 0.9, "distance": 0.9, "workload": 0, "priority": 0}}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad weights status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.AdminScoringConfigHandler, http.MethodPut, "/v1/admin/scoring/config",
		map[string]any{"config": map[string]float64{"skill": 0.5, "distance": 0.2, "workload": 0.2, "priority": 0.1}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.ScoringConfigHandler, http.MethodGet, "/v1/scoring/config", nil, nil)
	var out struct {
		Weights map[string]float64 `json:"weights"`
	}
	decode(t, rec, &out)
	if out.Weights["skill"] != 0.5 {
		t.Fatalf("weights = %+v", out.Weights)
	}
}

func TestSitesUpsertValidation(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s.SitesHandler, http.MethodPut, "/v1/sites", model.SiteIn{Ref: "site-1"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing location status %d", rec.Code)
	}
	rec = doJSON(t, s.SitesHandler, http.MethodPut, "/v1/sites",
		model.SiteIn{Ref: "site-1", Name: "HQ", Location: &model.GeoPoint{Lat: 40, Lng: -3}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status %d", rec.Code)
	}
}

func TestAssetLifecycle(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s.AssetsHandler, http.MethodPost, "/v1/assets",
		model.AssetIn{Name: "Chiller 3", Category: "hvac", SiteRef: "site-1"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	var a model.Asset
	decode(t, rec, &a)

	rec = doJSON(t, s.AssetByIDHandler, http.MethodPatch, "/v1/assets/"+a.ID,
		model.AssetIn{Status: "maintenance"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status %d", rec.Code)
	}

	rec = doJSON(t, s.AssetByIDHandler, http.MethodDelete, "/v1/assets/"+a.ID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}
	rec = doJSON(t, s.AssetByIDHandler, http.MethodGet, "/v1/assets/"+a.ID, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status %d", rec.Code)
	}
}

func TestSubscriptionValidation(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions",
		model.SubscriptionRequest{URL: "ftp://x", Events: []string{"workorder.assigned"}}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad scheme status %d", rec.Code)
	}
	rec = doJSON(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions",
		model.SubscriptionRequest{URL: "https://hooks.example/cb", Events: []string{"workorder.assigned"}, Secret: "s"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMediaPresign(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s.MediaPresignHandler, http.MethodPost, "/v1/media/presign",
		model.PresignRequest{FileName: "leak.jpg", ContentType: "image/jpeg"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var out struct {
		UploadURL string `json:"uploadUrl"`
		ExpireAt  string `json:"expireAt"`
	}
	decode(t, rec, &out)
	if out.UploadURL == "" || out.ExpireAt == "" {
		t.Fatalf("out = %+v", out)
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s.HealthHandler, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
	rec = doJSON(t, s.ReadyHandler, http.MethodGet, "/readyz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status %d", rec.Code)
	}
}

func TestWorkOrderStreamHeartbeat(t *testing.T) {
	s := newTestServer()
	wo := seedWorkOrder(t, s, model.WorkOrderIn{Description: "Fix wiring", SiteRef: "site-1"})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/workorders/"+wo.ID+"/events/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	time.AfterFunc(50*time.Millisecond, cancel)
	s.WorkOrderByIDHandler(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "event: heartbeat") {
		t.Fatalf("body %q", rec.Body.String())
	}
}

func TestWorkOrderStreamTechnicianRBAC(t *testing.T) {
	s := newTestServer()
	wo := seedWorkOrder(t, s, model.WorkOrderIn{Description: "Fix wiring", SiteRef: "site-1"})
	req := httptest.NewRequest(http.MethodGet, "/v1/workorders/"+wo.ID+"/events/stream", nil)
	req.Header.Set("X-Role", "technician")
	req.Header.Set("X-Technician-Id", "t1")
	rec := httptest.NewRecorder()
	s.WorkOrderByIDHandler(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unassigned work order should be forbidden to technicians, got %d", rec.Code)
	}
}
