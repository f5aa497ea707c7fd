package assign

import (
	"context"

	"cafm/internal/model"
)

// mockDirectory resolves location refs from a fixed map.
type mockDirectory struct {
	points      map[string]model.GeoPoint
	resolveFunc func(ctx context.Context, tenantID, ref string) (model.GeoPoint, bool, error)
}

func (m *mockDirectory) ResolveLocation(ctx context.Context, tenantID, ref string) (model.GeoPoint, bool, error) {
	if m.resolveFunc != nil {
		return m.resolveFunc(ctx, tenantID, ref)
	}
	pt, ok := m.points[ref]
	return pt, ok, nil
}

// mockWriter records applied assignments.
type mockWriter struct {
	applied   []appliedRec
	applyFunc func(ctx context.Context, tenantID, workOrderID, technicianID string, travelMinutes float64) (model.WorkOrder, error)
}

type appliedRec struct {
	WorkOrderID  string
	TechnicianID string
}

func (m *mockWriter) ApplyAssignment(ctx context.Context, tenantID, workOrderID, technicianID string, travelMinutes float64) (model.WorkOrder, error) {
	if m.applyFunc != nil {
		return m.applyFunc(ctx, tenantID, workOrderID, technicianID, travelMinutes)
	}
	m.applied = append(m.applied, appliedRec{WorkOrderID: workOrderID, TechnicianID: technicianID})
	return model.WorkOrder{ID: workOrderID, TechnicianID: technicianID, Status: model.StatusAssigned}, nil
}
