package assign

import (
	"context"

	"cafm/internal/model"
)

// LocationDirectory resolves a location reference (site ref or technician
// last-known-location ref) to coordinates. The boolean is false when no
// location is available; that is a soft signal, not an error.
type LocationDirectory interface {
	ResolveLocation(ctx context.Context, tenantID, ref string) (model.GeoPoint, bool, error)
}

// WorkOrderWriter applies a selected assignment. Only this step mutates the
// work order; scoring itself is read-only.
type WorkOrderWriter interface {
	ApplyAssignment(ctx context.Context, tenantID, workOrderID, technicianID string, travelMinutes float64) (model.WorkOrder, error)
}
