package model

// Core domain types shared by the store backends and the HTTP layer.

// Priority is the work-order urgency class.
type Priority string

const (
	PriorityEmergency Priority = "EMERGENCY"
	PriorityHigh      Priority = "HIGH"
	PriorityMedium    Priority = "MEDIUM"
	PriorityLow       Priority = "LOW"
	PriorityScheduled Priority = "SCHEDULED"
)

// Valid reports whether p is one of the known priority values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityEmergency, PriorityHigh, PriorityMedium, PriorityLow, PriorityScheduled:
		return true
	}
	return false
}

// Work-order lifecycle states.
const (
	StatusOpen       = "OPEN"
	StatusAssigned   = "ASSIGNED"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// WorkOrderIn is the create/import payload.
type WorkOrderIn struct {
	ExternalRef string         `json:"externalRef,omitempty"`
	Description string         `json:"description"`
	Priority    Priority       `json:"priority,omitempty"`
	SiteRef     string         `json:"siteRef"`
	AssetID     string         `json:"assetId,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// WorkOrder is the read model returned by the API.
type WorkOrder struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	ExternalRef  string         `json:"externalRef,omitempty"`
	Description  string         `json:"description"`
	Priority     Priority       `json:"priority"`
	Status       string         `json:"status"`
	SiteRef      string         `json:"siteRef,omitempty"`
	AssetID      string         `json:"assetId,omitempty"`
	TechnicianID string         `json:"technicianId,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	CreatedAt    string         `json:"createdAt,omitempty"`
	ScheduledEnd string         `json:"scheduledEnd,omitempty"`
}

// WorkOrderPatch carries the mutable fields of a work order.
type WorkOrderPatch struct {
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	Status      string   `json:"status,omitempty"`
	SiteRef     string   `json:"siteRef,omitempty"`
}

// TechnicianIn is the create/update payload for a technician profile.
type TechnicianIn struct {
	Name        string   `json:"name"`
	Skills      []string `json:"skills,omitempty"`
	LocationRef string   `json:"locationRef,omitempty"`
	Status      string   `json:"status,omitempty"`
}

// Technician is a user variant carrying the derived fields the scorer needs.
type Technician struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenantId"`
	Name        string   `json:"name"`
	Skills      []string `json:"skills,omitempty"`
	LocationRef string   `json:"locationRef,omitempty"`
	Status      string   `json:"status"`
	ActiveCount int      `json:"activeCount"`
}

// AssignRequest is the manual-assignment body.
type AssignRequest struct {
	TechnicianID string `json:"technicianId"`
}

// AssignmentDecision is returned by the auto-assign endpoints.
type AssignmentDecision struct {
	WorkOrderID   string  `json:"workOrderId"`
	Assigned      bool    `json:"assigned"`
	TechnicianID  string  `json:"technicianId,omitempty"`
	Score         float64 `json:"score,omitempty"`
	TravelMinutes float64 `json:"travelMinutes,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// BatchAssignRequest drives POST /v1/assignments/batch.
type BatchAssignRequest struct {
	TenantID string `json:"tenantId,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// AssetIn is the create/update payload for an asset.
type AssetIn struct {
	Name       string         `json:"name"`
	Category   string         `json:"category,omitempty"`
	SiteRef    string         `json:"siteRef,omitempty"`
	Status     string         `json:"status,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Asset struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	Name       string         `json:"name"`
	Category   string         `json:"category,omitempty"`
	SiteRef    string         `json:"siteRef,omitempty"`
	Status     string         `json:"status,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// SiteIn registers or moves a named site/location.
type SiteIn struct {
	Ref      string    `json:"ref"`
	Name     string    `json:"name,omitempty"`
	Location *GeoPoint `json:"location"`
}

type LocationReport struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	TS  string  `json:"ts,omitempty"`
}

type SubscriptionRequest struct {
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret"`
}

type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}

// SyncChange is one entry in the mobile delta-sync feed.
type SyncChange struct {
	Entity string         `json:"entity"` // workorder, technician, asset
	ID     string         `json:"id"`
	Op     string         `json:"op"` // upsert, delete
	TS     string         `json:"ts"`
	Data   map[string]any `json:"data,omitempty"`
}

// PresignRequest asks for an upload URL for work-order media.
type PresignRequest struct {
	TenantID    string `json:"tenantId"`
	WorkOrderID string `json:"workOrderId,omitempty"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Bytes       int64  `json:"bytes,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
}
