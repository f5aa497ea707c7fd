package api

import (
	"sync"
)

// LatestLocation holds the latest reported position of a technician.
type LatestLocation struct {
	Tenant       string  `json:"tenantId"`
	TechnicianID string  `json:"technicianId"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	TS           string  `json:"ts"`
}

// LocationCache stores latest technician locations per tenant for fast reads
// on live views. The store keeps the durable copy.
type LocationCache struct {
	mu sync.Mutex
	// key: tenant|technicianId
	m map[string]LatestLocation
}

// NewLocationCache constructs a LocationCache.
func NewLocationCache() *LocationCache { return &LocationCache{m: map[string]LatestLocation{}} }

func (c *LocationCache) key(tenant, technicianID string) string {
	return tenant + "|" + technicianID
}

// Upsert stores or updates the latest location for a technician.
func (c *LocationCache) Upsert(tenant, technicianID string, lat, lng float64, ts string) {
	if tenant == "" || technicianID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[c.key(tenant, technicianID)] = LatestLocation{Tenant: tenant, TechnicianID: technicianID, Lat: lat, Lng: lng, TS: ts}
}

// Get returns the latest location for a technician, if any.
func (c *LocationCache) Get(tenant, technicianID string) (LatestLocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[c.key(tenant, technicianID)]
	return v, ok
}

// ListByTenant returns the latest locations for all technicians of a tenant.
func (c *LocationCache) ListByTenant(tenant string) []LatestLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []LatestLocation{}
	prefix := tenant + "|"
	for k, v := range c.m {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, v)
		}
	}
	return out
}
