package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cafm/internal/assign"
	"cafm/internal/metrics"
	"cafm/internal/model"
	"cafm/internal/store"
)

// WorkOrdersHandler handles POST/GET /v1/workorders
func (s *Server) WorkOrdersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			TenantID string              `json:"tenantId"`
			Orders   []model.WorkOrderIn `json:"workOrders"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.TenantID == "" { _, req.TenantID = s.withTenant(r) }
		if len(req.Orders) == 0 {
			writeProblem(w, http.StatusBadRequest, "Missing workOrders", "at least one work order is required", r.URL.Path)
			return
		}
		for i := range req.Orders {
			if err := validateWorkOrderIn(&req.Orders[i]); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid work order", err.Error(), r.URL.Path)
				return
			}
		}
		imp, created, skipped, err := s.Store.CreateWorkOrders(r.Context(), req.TenantID, req.Orders)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create work orders failed", err.Error(), r.URL.Path)
			return
		}
		if created > 0 {
			s.Pub.Emit(r.Context(), req.TenantID, "workorder.created", map[string]any{"importId": imp, "created": created})
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"importId": imp, "created": created, "skipped": skipped})
	case http.MethodGet:
		_, tenant := s.withTenant(r)
		status := r.URL.Query().Get("status")
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
		items, next, err := s.Store.ListWorkOrders(r.Context(), tenant, status, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List work orders failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// WorkOrderByIDHandler handles /v1/workorders/{id} and its subresources:
// GET/PATCH, POST .../assign, POST .../assign/auto, GET .../events/stream
func (s *Server) WorkOrderByIDHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	rest := strings.TrimPrefix(path, "/v1/workorders/")
	if rest == path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	if len(parts) > 2 && parts[1] == "events" && parts[2] == "stream" {
		s.workOrderStream(w, r, id)
		return
	}
	if len(parts) > 2 && parts[1] == "assign" && parts[2] == "auto" {
		s.autoAssign(w, r, id)
		return
	}
	if len(parts) > 1 && parts[1] == "assign" {
		s.manualAssign(w, r, id)
		return
	}
	_, tenant := s.withTenant(r)
	switch r.Method {
	case http.MethodGet:
		wo, err := s.Store.GetWorkOrder(r.Context(), tenant, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Work order not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Get work order failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, wo)
	case http.MethodPatch:
		var patch model.WorkOrderPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if patch.Priority != "" && !patch.Priority.Valid() {
			writeProblem(w, http.StatusBadRequest, "Invalid priority", string(patch.Priority), r.URL.Path)
			return
		}
		wo, err := s.Store.PatchWorkOrder(r.Context(), tenant, id, patch)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Work order not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Patch work order failed", err.Error(), r.URL.Path)
			return
		}
		s.Pub.Emit(r.Context(), tenant, "workorder.updated", map[string]any{"id": wo.ID, "status": wo.Status})
		s.Broker.Publish(wo.ID, SSEEvent{Type: "workorder.updated", Data: map[string]any{"id": wo.ID, "status": wo.Status}})
		writeJSON(w, http.StatusOK, wo)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// workOrderStream serves SSE for one work order's events.
func (s *Server) workOrderStream(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() {
		// technicians may stream only their own assignments
		_, tenant := s.withTenant(r)
		wo, err := s.Store.GetWorkOrder(r.Context(), tenant, id)
		if err != nil { writeProblem(w, 404, "Work order not found", "", r.URL.Path); return }
		if pr.Role != "technician" || pr.TechnicianID == "" || wo.TechnicianID == "" || pr.TechnicianID != wo.TechnicianID {
			writeProblem(w, 403, "Forbidden", "not authorized for work order events", r.URL.Path)
			return
		}
	}
	flusher, ok := w.(http.Flusher)
	if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)
	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"workOrderId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
	flusher.Flush()
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"workOrderId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// manualAssign handles POST /v1/workorders/{id}/assign
func (s *Server) manualAssign(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
	var req model.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.TechnicianID == "" {
		writeProblem(w, http.StatusBadRequest, "Missing technicianId", "", r.URL.Path)
		return
	}
	_, tenant := s.withTenant(r)
	if _, err := s.Store.GetTechnician(r.Context(), tenant, req.TechnicianID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Technician not found", "", r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Lookup technician failed", err.Error(), r.URL.Path)
		return
	}
	wo, err := s.Store.ApplyAssignment(r.Context(), tenant, id, req.TechnicianID, 0)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Work order not found", "", r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Assign failed", err.Error(), r.URL.Path)
		return
	}
	s.publishAssigned(r, tenant, wo, 0, "MANUAL_ASSIGNMENT", 0)
	writeJSON(w, http.StatusOK, wo)
}

// autoAssign handles POST /v1/workorders/{id}/assign/auto: scores the active
// technician pool and applies the best candidate.
func (s *Server) autoAssign(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
	_, tenant := s.withTenant(r)
	wo, err := s.Store.GetWorkOrder(r.Context(), tenant, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Work order not found", "", r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Get work order failed", err.Error(), r.URL.Path)
		return
	}
	if wo.TechnicianID != "" || wo.Status != model.StatusOpen {
		writeProblem(w, http.StatusConflict, "Work order not assignable", "already assigned or not open", r.URL.Path)
		return
	}
	pool, err := s.Store.ListActiveTechnicians(r.Context(), tenant)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List technicians failed", err.Error(), r.URL.Path)
		return
	}
	best, err := s.tenantEngine(r, tenant).Evaluate(r.Context(), wo, pool, nil)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Scoring failed", err.Error(), r.URL.Path)
		return
	}
	if best == nil {
		metrics.AssignmentDecisions.WithLabelValues("skipped", "NO_CANDIDATE").Inc()
		writeJSON(w, http.StatusOK, model.AssignmentDecision{WorkOrderID: wo.ID, Assigned: false})
		return
	}
	if _, err := s.Store.ApplyAssignment(r.Context(), tenant, wo.ID, best.TechnicianID, best.TravelMinutes); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Apply assignment failed", err.Error(), r.URL.Path)
		return
	}
	metrics.AssignmentDecisions.WithLabelValues("assigned", best.Reason).Inc()
	metrics.AssignmentScores.Observe(best.Score)
	s.publishAssigned(r, tenant, wo, best.Score, best.Reason, best.TravelMinutes)
	writeJSON(w, http.StatusOK, model.AssignmentDecision{
		WorkOrderID:   wo.ID,
		Assigned:      true,
		TechnicianID:  best.TechnicianID,
		Score:         best.Score,
		TravelMinutes: best.TravelMinutes,
		Reason:        best.Reason,
	})
}

func (s *Server) publishAssigned(r *http.Request, tenant string, wo model.WorkOrder, score float64, reason string, travelMinutes float64) {
	data := map[string]any{
		"workOrderId":   wo.ID,
		"technicianId":  wo.TechnicianID,
		"reason":        reason,
		"score":         score,
		"travelMinutes": travelMinutes,
	}
	s.Pub.Emit(r.Context(), tenant, "workorder.assigned", data)
	s.Broker.Publish(wo.ID, SSEEvent{Type: "workorder.assigned", Data: data})
	s.Broker.Publish("tenant:"+tenant, SSEEvent{Type: "workorder.assigned", Data: data})
}

// AssignmentsBatchHandler handles POST /v1/assignments/batch: scores every
// unassigned open work order for the tenant.
func (s *Server) AssignmentsBatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
	var req model.BatchAssignRequest
	if r.Body != nil { _ = json.NewDecoder(r.Body).Decode(&req) }
	if req.TenantID == "" { _, req.TenantID = s.withTenant(r) }
	orders, err := s.Store.ListUnassignedWorkOrders(r.Context(), req.TenantID, req.Limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List work orders failed", err.Error(), r.URL.Path)
		return
	}
	pool, err := s.Store.ListActiveTechnicians(r.Context(), req.TenantID)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List technicians failed", err.Error(), r.URL.Path)
		return
	}
	decisions, stats, err := s.tenantEngine(r, req.TenantID).AssignBatch(r.Context(), req.TenantID, orders, pool, s.Store)
	assign.RecordRun(req.TenantID, time.Now().UTC().Format("2006-01-02"), stats)
	for _, d := range decisions {
		if !d.Assigned {
			metrics.AssignmentDecisions.WithLabelValues("skipped", "NO_CANDIDATE").Inc()
			continue
		}
		metrics.AssignmentDecisions.WithLabelValues("assigned", d.Reason).Inc()
		metrics.AssignmentScores.Observe(d.Score)
		data := map[string]any{"workOrderId": d.WorkOrderID, "technicianId": d.TechnicianID, "reason": d.Reason, "score": d.Score}
		s.Pub.Emit(r.Context(), req.TenantID, "workorder.assigned", data)
		s.Broker.Publish(d.WorkOrderID, SSEEvent{Type: "workorder.assigned", Data: data})
	}
	if err != nil {
		// assignments applied before the failure stay applied
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(), "decisions": decisions, "stats": stats,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions, "stats": stats})
}

// TechniciansHandler handles POST/GET /v1/technicians
func (s *Server) TechniciansHandler(w http.ResponseWriter, r *http.Request) {
	_, tenant := s.withTenant(r)
	switch r.Method {
	case http.MethodPost:
		var in model.TechnicianIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateTechnicianIn(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid technician", err.Error(), r.URL.Path)
			return
		}
		t, err := s.Store.CreateTechnician(r.Context(), tenant, in)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create technician failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
		items, next, err := s.Store.ListTechnicians(r.Context(), tenant, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List technicians failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// TechnicianByIDHandler handles /v1/technicians/{id} plus
// POST .../location and GET .../workorders
func (s *Server) TechnicianByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/technicians/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	_, tenant := s.withTenant(r)
	if len(parts) > 1 && parts[1] == "location" {
		s.technicianLocation(w, r, tenant, id)
		return
	}
	if len(parts) > 1 && parts[1] == "workorders" {
		if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
		pr := s.getPrincipal(r)
		if !pr.CanDispatch() && pr.TechnicianID != id {
			writeProblem(w, 403, "Forbidden", "technicians may only view their own work orders", r.URL.Path)
			return
		}
		items, err := s.Store.ListWorkOrdersForTechnician(r.Context(), tenant, id)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List work orders failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}
	switch r.Method {
	case http.MethodGet:
		t, err := s.Store.GetTechnician(r.Context(), tenant, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Technician not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Get technician failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case http.MethodPatch:
		var in model.TechnicianIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		t, err := s.Store.PatchTechnician(r.Context(), tenant, id, in)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Technician not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Patch technician failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, t)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) technicianLocation(w http.ResponseWriter, r *http.Request, tenant, id string) {
	if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
	pr := s.getPrincipal(r)
	if pr.Role == "technician" && pr.TechnicianID != "" && pr.TechnicianID != id {
		writeProblem(w, 403, "Forbidden", "technicians may only report their own location", r.URL.Path)
		return
	}
	var rep model.LocationReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateLocationReport(&rep); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid location", err.Error(), r.URL.Path)
		return
	}
	ts := rep.TS
	if ts == "" { ts = time.Now().UTC().Format(time.RFC3339) }
	when, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid ts", err.Error(), r.URL.Path)
		return
	}
	if err := s.Store.SetTechnicianLocation(r.Context(), tenant, id, model.GeoPoint{Lat: rep.Lat, Lng: rep.Lng}, when); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Technician not found", "", r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Store location failed", err.Error(), r.URL.Path)
		return
	}
	s.Locs.Upsert(tenant, id, rep.Lat, rep.Lng, ts)
	s.Broker.Publish("tenant:"+tenant, SSEEvent{Type: "technician.location", Data: map[string]any{"technicianId": id, "lat": rep.Lat, "lng": rep.Lng, "ts": ts}})
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// TechnicianLocationsHandler handles GET /v1/technicians/locations/latest
func (s *Server) TechnicianLocationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
	_, tenant := s.withTenant(r)
	writeJSON(w, http.StatusOK, map[string]any{"items": s.Locs.ListByTenant(tenant)})
}

// SitesHandler handles PUT /v1/sites (upsert by ref)
func (s *Server) SitesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_, tenant := s.withTenant(r)
	var in model.SiteIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if in.Ref == "" || in.Location == nil {
		writeProblem(w, http.StatusBadRequest, "Missing ref or location", "", r.URL.Path)
		return
	}
	if err := s.Store.UpsertSite(r.Context(), tenant, in); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Upsert site failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// AssetsHandler handles POST/GET /v1/assets
func (s *Server) AssetsHandler(w http.ResponseWriter, r *http.Request) {
	_, tenant := s.withTenant(r)
	switch r.Method {
	case http.MethodPost:
		var in model.AssetIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if strings.TrimSpace(in.Name) == "" {
			writeProblem(w, http.StatusBadRequest, "Missing name", "", r.URL.Path)
			return
		}
		a, err := s.Store.CreateAsset(r.Context(), tenant, in)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create asset failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
		items, next, err := s.Store.ListAssets(r.Context(), tenant, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List assets failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// AssetByIDHandler handles GET/PATCH/DELETE /v1/assets/{id}
func (s *Server) AssetByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/assets/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	_, tenant := s.withTenant(r)
	switch r.Method {
	case http.MethodGet:
		a, err := s.Store.GetAsset(r.Context(), tenant, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Asset not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Get asset failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, a)
	case http.MethodPatch:
		var in model.AssetIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		a, err := s.Store.PatchAsset(r.Context(), tenant, id, in)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Asset not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Patch asset failed", err.Error(), r.URL.Path)
			return
		}
		s.Pub.Emit(r.Context(), tenant, "asset.updated", map[string]any{"id": a.ID, "status": a.Status})
		writeJSON(w, http.StatusOK, a)
	case http.MethodDelete:
		if err := s.Store.DeleteAsset(r.Context(), tenant, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Asset not found", "", r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Delete asset failed", err.Error(), r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	_, tenant := s.withTenant(r)
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.TenantID == "" { req.TenantID = tenant }
		if err := validateSubscriptionRequest(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
		items, next, err := s.Store.ListSubscriptions(r.Context(), tenant, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
	if r.Method != http.MethodDelete { w.WriteHeader(405); return }
	p := s.getPrincipal(r)
	if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if err := s.Store.DeleteSubscription(r.Context(), p.Tenant, id); err != nil { writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path); return }
	w.WriteHeader(204)
}

// MediaPresignHandler handles POST /v1/media/presign
func (s *Server) MediaPresignHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost { w.WriteHeader(405); return }
	var in model.PresignRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil { writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path); return }
	if in.FileName == "" { writeProblem(w, 400, "Missing fileName", "", r.URL.Path); return }
	expire := time.Now().Add(15 * time.Minute).Format(time.RFC3339)
	writeJSON(w, 200, map[string]any{
		"uploadUrl": fmt.Sprintf("https://upload.example/%s?token=demo", in.FileName),
		"method":    "PUT",
		"headers":   map[string]string{"Content-Type": in.ContentType},
		"expireAt":  expire,
	})
}

// SyncChangesHandler handles GET /v1/sync/changes?since=<RFC3339>
func (s *Server) SyncChangesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet { w.WriteHeader(405); return }
	_, tenant := s.withTenant(r)
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil { writeProblem(w, 400, "Invalid since", err.Error(), r.URL.Path); return }
		since = t
	}
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
	changes, err := s.Store.ListChangesSince(r.Context(), tenant, since, limit)
	if err != nil { writeProblem(w, 500, "List changes failed", err.Error(), r.URL.Path); return }
	writeJSON(w, 200, map[string]any{"items": changes, "serverTime": time.Now().UTC().Format(time.RFC3339Nano)})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}

// Admin: webhook deliveries list and retry
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
	p := s.getPrincipal(r)
	if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
	if r.Method != http.MethodGet { w.WriteHeader(405); return }
	status := r.URL.Query().Get("status")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Tenant, status, cursor, limit)
	if err != nil { writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path); return }
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
	if r.Method != http.MethodPost { w.WriteHeader(405); return }
	p := s.getPrincipal(r)
	if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
	if err := s.Store.RetryWebhookDelivery(r.Context(), p.Tenant, id); err != nil { writeProblem(w, 500, "Retry delivery failed", err.Error(), r.URL.Path); return }
	writeJSON(w, 202, map[string]int{"accepted": 1})
}

// Admin: webhook DLQ list and requeue
func (s *Server) WebhookDLQHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
	if r.URL.Path == "/v1/admin/webhook-dlq" && r.Method == http.MethodGet {
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
		eventType := r.URL.Query().Get("eventType")
		items, next, err := s.Store.ListWebhookDLQ(r.Context(), p.Tenant, eventType, cursor, limit)
		if err != nil { writeProblem(w, 500, "List DLQ failed", err.Error(), r.URL.Path); return }
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
		return
	}
	if strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-dlq/") && strings.HasSuffix(r.URL.Path, "/requeue") && r.Method == http.MethodPost {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-dlq/"), "/requeue")
		if err := s.Store.RequeueWebhookDLQ(r.Context(), p.Tenant, id); err != nil {
			if errors.Is(err, store.ErrNotFound) { writeProblem(w, 404, "DLQ entry not found", "", r.URL.Path); return }
			writeProblem(w, 500, "Requeue failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 202, map[string]int{"accepted": 1})
		return
	}
	writeProblem(w, 404, "Not Found", "", r.URL.Path)
}

// Admin: webhook metrics
func (s *Server) WebhookMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-metrics" || r.Method != http.MethodGet { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
	p := s.getPrincipal(r)
	if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
	sinceHours := 24
	if v := r.URL.Query().Get("sinceHours"); v != "" { fmt.Sscanf(v, "%d", &sinceHours) }
	eventType := r.URL.Query().Get("eventType")
	status := r.URL.Query().Get("status")
	since := time.Now().Add(-time.Duration(sinceHours) * time.Hour)
	items, err := s.Store.WebhookMetrics(r.Context(), p.Tenant, since, eventType, status)
	if err != nil { writeProblem(w, 500, "Metrics failed", err.Error(), r.URL.Path); return }
	writeJSON(w, 200, map[string]any{"items": items})
}

// Admin: work-order counts by status
func (s *Server) WorkOrderStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/workorders/stats" || r.Method != http.MethodGet { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
	p := s.getPrincipal(r)
	if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
	stats, err := s.Store.WorkOrderStats(r.Context(), p.Tenant)
	if err != nil { writeProblem(w, 500, "Stats failed", err.Error(), r.URL.Path); return }
	writeJSON(w, 200, stats)
}

// Admin: batch assignment run stats
func (s *Server) AssignmentMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/assignment-metrics" || r.Method != http.MethodGet { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
	p := s.getPrincipal(r)
	if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
	date := r.URL.Query().Get("date")
	writeJSON(w, 200, map[string]any{"runs": assign.GetRuns(p.Tenant, date)})
}

// ScoringConfigHandler returns the effective scoring weights for the tenant.
func (s *Server) ScoringConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/scoring/config" || r.Method != http.MethodGet { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
	defaults := map[string]any{
		"skill":    assign.DefaultWeights.Skill,
		"distance": assign.DefaultWeights.Distance,
		"workload": assign.DefaultWeights.Workload,
		"priority": assign.DefaultWeights.Priority,
	}
	p := s.getPrincipal(r)
	cfg, _ := s.Store.GetScoringConfig(r.Context(), p.Tenant)
	if cfg != nil {
		for k, v := range cfg { defaults[k] = v }
	}
	writeJSON(w, 200, map[string]any{"weights": defaults})
}

// Admin get/set scoring tenant config
func (s *Server) AdminScoringConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/scoring/config" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
	p := s.getPrincipal(r)
	if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
	switch r.Method {
	case http.MethodGet:
		cfg, _ := s.Store.GetScoringConfig(r.Context(), p.Tenant)
		if cfg == nil { cfg = map[string]any{} }
		writeJSON(w, 200, map[string]any{"config": cfg})
	case http.MethodPut:
		var body struct{ Config map[string]any `json:"config"` }
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil { writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path); return }
		if body.Config == nil { writeProblem(w, 400, "Missing config", "", r.URL.Path); return }
		if _, ok := weightsFromConfig(body.Config); !ok {
			writeProblem(w, 400, "Invalid weights", "skill, distance, workload, priority must be >= 0 and sum to 1.0", r.URL.Path)
			return
		}
		if err := s.Store.SaveScoringConfig(r.Context(), p.Tenant, body.Config); err != nil { writeProblem(w, 500, "Save failed", err.Error(), r.URL.Path); return }
		writeJSON(w, 200, map[string]bool{"ok": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
