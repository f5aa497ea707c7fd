package assign

import (
	"context"
	"fmt"
	"log"

	"cafm/internal/model"
)

// Reason codes attached to a winning candidate, in evaluation order.
const (
	ReasonExcellentSkillMatch = "EXCELLENT_SKILL_MATCH"
	ReasonProximity           = "PROXIMITY_OPTIMIZATION"
	ReasonWorkloadBalancing   = "WORKLOAD_BALANCING"
	ReasonPriorityAssignment  = "PRIORITY_ASSIGNMENT"
	ReasonBalanced            = "BALANCED_OPTIMIZATION"
)

// minSkillScore excludes technicians before distance and workload are
// computed.
const minSkillScore = 0.3

// Weights combines the four component scores. They must sum to 1 so the
// overall score stays in [0,1].
type Weights struct {
	Skill    float64 `json:"skill"`
	Distance float64 `json:"distance"`
	Workload float64 `json:"workload"`
	Priority float64 `json:"priority"`
}

var DefaultWeights = Weights{Skill: 0.35, Distance: 0.25, Workload: 0.20, Priority: 0.20}

// Validate checks that all weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.Skill < 0 || w.Distance < 0 || w.Workload < 0 || w.Priority < 0 {
		return fmt.Errorf("weights must be >= 0")
	}
	sum := w.Skill + w.Distance + w.Workload + w.Priority
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("weights must sum to 1.0, got %.3f", sum)
	}
	return nil
}

// Candidate pairs one technician with one work order plus the component
// scores. Candidates are ephemeral; they are discarded once the best one is
// chosen.
type Candidate struct {
	TechnicianID       string  `json:"technicianId"`
	SkillScore         float64 `json:"skillScore"`
	DistanceKm         float64 `json:"distanceKm"`
	NormalizedDistance float64 `json:"normalizedDistance"`
	WorkloadScore      float64 `json:"workloadScore"`
	PriorityScore      float64 `json:"priorityScore"`
	Score              float64 `json:"score"`
	TravelMinutes      float64 `json:"travelMinutes"`
	Reason             string  `json:"reason"`
}

// Engine scores technician candidates for work orders. Scoring is a pure,
// bounded computation; the engine never mutates its inputs.
type Engine struct {
	locs    LocationDirectory
	weights Weights
}

func NewEngine(locs LocationDirectory) *Engine {
	return &Engine{locs: locs, weights: DefaultWeights}
}

// WithWeights returns a copy of the engine using the given weights, e.g. for
// per-tenant overrides. Invalid weights fall back to the defaults.
func (e *Engine) WithWeights(w Weights) *Engine {
	if err := w.Validate(); err != nil {
		return e
	}
	return &Engine{locs: e.locs, weights: w}
}

// Evaluate scores every eligible technician in the pool against the work
// order and returns the best candidate, or nil when nobody qualifies.
// extraLoad carries per-technician load deltas accumulated during a batch so
// assignments applied earlier in the run count against capacity; pass nil for
// single-order scoring.
func (e *Engine) Evaluate(ctx context.Context, wo model.WorkOrder, pool []model.Technician, extraLoad map[string]int) (*Candidate, error) {
	site, ok, err := e.locs.ResolveLocation(ctx, wo.TenantID, wo.SiteRef)
	if err != nil {
		return nil, err
	}
	if !ok {
		// No site location: every candidate would be excluded anyway.
		return nil, nil
	}

	prio := PriorityWeight(wo.Priority)
	var best *Candidate
	for i := range pool {
		tech := &pool[i]
		if tech.Status != "" && tech.Status != "active" {
			continue
		}
		skill := SkillScore(wo.Description, tech.Skills)
		if skill < minSkillScore {
			continue
		}
		loc, ok, err := e.locs.ResolveLocation(ctx, wo.TenantID, tech.LocationRef)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		km := HaversineKm(loc, site)
		if km > MaxTravelDistanceKm {
			continue
		}
		load := tech.ActiveCount
		if extraLoad != nil {
			load += extraLoad[tech.ID]
		}
		c := Candidate{
			TechnicianID:       tech.ID,
			SkillScore:         skill,
			DistanceKm:         km,
			NormalizedDistance: NormalizedDistance(km),
			WorkloadScore:      WorkloadScore(load),
			PriorityScore:      prio,
			TravelMinutes:      TravelMinutes(km),
		}
		c.Score = e.weights.Skill*c.SkillScore +
			e.weights.Distance*(1-c.NormalizedDistance) +
			e.weights.Workload*c.WorkloadScore +
			e.weights.Priority*c.PriorityScore
		c.Reason = reasonFor(c)
		if best == nil || c.Score > best.Score ||
			(c.Score == best.Score && c.TechnicianID < best.TechnicianID) {
			tmp := c
			best = &tmp
		}
	}
	return best, nil
}

// reasonFor derives the explanation label; the first matching rule wins.
func reasonFor(c Candidate) string {
	switch {
	case c.SkillScore > 0.8:
		return ReasonExcellentSkillMatch
	case c.DistanceKm < 5.0:
		return ReasonProximity
	case c.WorkloadScore > 0.8:
		return ReasonWorkloadBalancing
	case c.PriorityScore > 0.8:
		return ReasonPriorityAssignment
	default:
		return ReasonBalanced
	}
}

// AssignBatch scores each unassigned work order against the pool and applies
// winning assignments through the writer as it goes. Load deltas are tracked
// in memory so a technician assigned early in the run scores lower on
// workload for later orders. Orders already applied stay applied if a later
// apply fails.
func (e *Engine) AssignBatch(ctx context.Context, tenantID string, orders []model.WorkOrder, pool []model.Technician, w WorkOrderWriter) ([]model.AssignmentDecision, RunStats, error) {
	stats := RunStats{Reasons: map[string]int{}}
	extraLoad := map[string]int{}
	decisions := make([]model.AssignmentDecision, 0, len(orders))
	for _, wo := range orders {
		if wo.TechnicianID != "" || wo.Status != model.StatusOpen {
			continue
		}
		stats.Considered++
		best, err := e.Evaluate(ctx, wo, pool, extraLoad)
		if err != nil {
			return decisions, stats, fmt.Errorf("score work order %s: %w", wo.ID, err)
		}
		if best == nil {
			stats.Skipped++
			decisions = append(decisions, model.AssignmentDecision{WorkOrderID: wo.ID, Assigned: false})
			continue
		}
		if _, err := w.ApplyAssignment(ctx, tenantID, wo.ID, best.TechnicianID, best.TravelMinutes); err != nil {
			return decisions, stats, fmt.Errorf("apply assignment for %s: %w", wo.ID, err)
		}
		extraLoad[best.TechnicianID]++
		stats.Assigned++
		stats.Reasons[best.Reason]++
		decisions = append(decisions, model.AssignmentDecision{
			WorkOrderID:   wo.ID,
			Assigned:      true,
			TechnicianID:  best.TechnicianID,
			Score:         best.Score,
			TravelMinutes: best.TravelMinutes,
			Reason:        best.Reason,
		})
	}
	if stats.Considered == 0 {
		log.Printf("assign: no unassigned work orders for tenant %s", tenantID)
	}
	return decisions, stats, nil
}
