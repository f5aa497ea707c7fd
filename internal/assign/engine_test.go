package assign

import (
	"context"
	"errors"
	"math"
	"testing"

	"cafm/internal/model"
)

// A technician 4 km north of the site: 4 km / (6371 km * pi/180) degrees of
// latitude.
const fourKmLat = 0.0359712

func testDirectory() *mockDirectory {
	return &mockDirectory{points: map[string]model.GeoPoint{
		"site-1":  {Lat: 40.0, Lng: -3.0},
		"tech:t1": {Lat: 40.0 + fourKmLat, Lng: -3.0},
	}}
}

func TestEvaluateWorkedExample(t *testing.T) {
	e := NewEngine(testDirectory())
	wo := model.WorkOrder{
		ID:          "wo-1",
		TenantID:    "t_demo",
		Description: "Emergency wiring fault in server room",
		Priority:    model.PriorityEmergency,
		Status:      model.StatusOpen,
		SiteRef:     "site-1",
	}
	pool := []model.Technician{
		{ID: "t1", Status: "active", Skills: []string{"ELECTRICAL"}, LocationRef: "tech:t1", ActiveCount: 1},
	}
	best, err := e.Evaluate(context.Background(), wo, pool, nil)
	if err != nil {
		t.Fatal(err)
	}
	if best == nil {
		t.Fatal("expected a candidate")
	}
	// skill 1.0, distance 4 km of 50, workload 7/8, priority 1.0:
	// 0.35 + 0.25*0.92 + 0.20*0.875 + 0.20*1.0 = 0.955
	if math.Abs(best.Score-0.955) > 1e-3 {
		t.Errorf("score = %.4f, want 0.955", best.Score)
	}
	if best.Reason != ReasonExcellentSkillMatch {
		t.Errorf("reason = %s, want %s", best.Reason, ReasonExcellentSkillMatch)
	}
	if math.Abs(best.TravelMinutes-10) > 0.1 {
		t.Errorf("travel = %.2f min, want ~10", best.TravelMinutes)
	}
}

func TestEvaluateUnresolvableSiteIsSoftSkip(t *testing.T) {
	e := NewEngine(testDirectory())
	wo := model.WorkOrder{ID: "wo-1", TenantID: "t_demo", Description: "wiring", SiteRef: "nope"}
	pool := []model.Technician{{ID: "t1", Status: "active", Skills: []string{"ELECTRICAL"}, LocationRef: "tech:t1"}}
	best, err := e.Evaluate(context.Background(), wo, pool, nil)
	if err != nil {
		t.Fatal(err)
	}
	if best != nil {
		t.Fatalf("want nil candidate for unresolvable site, got %+v", best)
	}
}

func TestEvaluateExclusions(t *testing.T) {
	dir := testDirectory()
	dir.points["tech:far"] = model.GeoPoint{Lat: 41.0, Lng: -3.0} // ~111 km
	e := NewEngine(dir)
	wo := model.WorkOrder{ID: "wo-1", TenantID: "t_demo", Description: "wiring fault", Priority: model.PriorityHigh, SiteRef: "site-1"}

	cases := []struct {
		name string
		tech model.Technician
	}{
		{"inactive", model.Technician{ID: "t1", Status: "inactive", Skills: []string{"ELECTRICAL"}, LocationRef: "tech:t1"}},
		{"wrong skills", model.Technician{ID: "t1", Status: "active", Skills: []string{"CARPENTRY"}, LocationRef: "tech:t1"}},
		{"no location", model.Technician{ID: "t1", Status: "active", Skills: []string{"ELECTRICAL"}, LocationRef: "nope"}},
		{"out of radius", model.Technician{ID: "far", Status: "active", Skills: []string{"ELECTRICAL"}, LocationRef: "tech:far"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			best, err := e.Evaluate(context.Background(), wo, []model.Technician{c.tech}, nil)
			if err != nil {
				t.Fatal(err)
			}
			if best != nil {
				t.Fatalf("technician should be excluded, got %+v", best)
			}
		})
	}
}

func TestEvaluateEmptyPool(t *testing.T) {
	e := NewEngine(testDirectory())
	wo := model.WorkOrder{ID: "wo-1", TenantID: "t_demo", Description: "wiring", SiteRef: "site-1"}
	best, err := e.Evaluate(context.Background(), wo, nil, nil)
	if err != nil || best != nil {
		t.Fatalf("want (nil, nil), got (%+v, %v)", best, err)
	}
}

func TestEvaluateTieBreaksOnLowestID(t *testing.T) {
	dir := testDirectory()
	e := NewEngine(dir)
	wo := model.WorkOrder{ID: "wo-1", TenantID: "t_demo", Description: "wiring", Priority: model.PriorityMedium, SiteRef: "site-1"}
	pool := []model.Technician{
		{ID: "t9", Status: "active", Skills: []string{"ELECTRICAL"}, LocationRef: "tech:t1"},
		{ID: "t2", Status: "active", Skills: []string{"ELECTRICAL"}, LocationRef: "tech:t1"},
	}
	best, err := e.Evaluate(context.Background(), wo, pool, nil)
	if err != nil {
		t.Fatal(err)
	}
	if best == nil || best.TechnicianID != "t2" {
		t.Fatalf("tie should go to lowest id, got %+v", best)
	}
}

func TestWithWeightsInvalidFallsBack(t *testing.T) {
	e := NewEngine(testDirectory())
	bad := e.WithWeights(Weights{Skill: 0.9, Distance: 0.9, Workload: 0, Priority: 0})
	if bad.weights != DefaultWeights {
		t.Fatalf("invalid weights should keep defaults, got %+v", bad.weights)
	}
	good := e.WithWeights(Weights{Skill: 0.5, Distance: 0.2, Workload: 0.2, Priority: 0.1})
	if good.weights.Skill != 0.5 {
		t.Fatalf("valid weights should apply, got %+v", good.weights)
	}
}

func TestAssignBatchSpreadsLoad(t *testing.T) {
	dir := testDirectory()
	dir.points["tech:t2"] = dir.points["tech:t1"]
	e := NewEngine(dir)
	pool := []model.Technician{
		{ID: "t1", Status: "active", Skills: []string{"ELECTRICAL"}, LocationRef: "tech:t1"},
		{ID: "t2", Status: "active", Skills: []string{"ELECTRICAL"}, LocationRef: "tech:t2"},
	}
	orders := []model.WorkOrder{
		{ID: "wo-1", TenantID: "t_demo", Description: "wiring", Status: model.StatusOpen, SiteRef: "site-1"},
		{ID: "wo-2", TenantID: "t_demo", Description: "wiring", Status: model.StatusOpen, SiteRef: "site-1"},
	}
	w := &mockWriter{}
	decisions, stats, err := e.AssignBatch(context.Background(), "t_demo", orders, pool, w)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Assigned != 2 || stats.Considered != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if decisions[0].TechnicianID != "t1" {
		t.Errorf("first order should go to t1 on tie-break, got %s", decisions[0].TechnicianID)
	}
	if decisions[1].TechnicianID != "t2" {
		t.Errorf("second order should spread to t2, got %s", decisions[1].TechnicianID)
	}
	if len(w.applied) != 2 {
		t.Fatalf("writer should see both applies, got %d", len(w.applied))
	}
}

func TestAssignBatchSkipsAlreadyAssigned(t *testing.T) {
	e := NewEngine(testDirectory())
	orders := []model.WorkOrder{
		{ID: "wo-1", TenantID: "t_demo", Description: "wiring", Status: model.StatusAssigned, TechnicianID: "t1", SiteRef: "site-1"},
		{ID: "wo-2", TenantID: "t_demo", Description: "wiring", Status: model.StatusCompleted, SiteRef: "site-1"},
	}
	decisions, stats, err := e.AssignBatch(context.Background(), "t_demo", orders, nil, &mockWriter{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Considered != 0 || len(decisions) != 0 {
		t.Fatalf("nothing should be considered, got %+v / %d decisions", stats, len(decisions))
	}
}

func TestAssignBatchRecordsSkips(t *testing.T) {
	e := NewEngine(testDirectory())
	orders := []model.WorkOrder{
		{ID: "wo-1", TenantID: "t_demo", Description: "wiring", Status: model.StatusOpen, SiteRef: "site-1"},
	}
	decisions, stats, err := e.AssignBatch(context.Background(), "t_demo", orders, nil, &mockWriter{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 1 || len(decisions) != 1 || decisions[0].Assigned {
		t.Fatalf("want one unassigned decision, got %+v / %+v", stats, decisions)
	}
}

func TestAssignBatchKeepsPartialProgressOnFailure(t *testing.T) {
	e := NewEngine(testDirectory())
	pool := []model.Technician{
		{ID: "t1", Status: "active", Skills: []string{"ELECTRICAL"}, LocationRef: "tech:t1"},
	}
	orders := []model.WorkOrder{
		{ID: "wo-1", TenantID: "t_demo", Description: "wiring", Status: model.StatusOpen, SiteRef: "site-1"},
		{ID: "wo-2", TenantID: "t_demo", Description: "wiring", Status: model.StatusOpen, SiteRef: "site-1"},
	}
	calls := 0
	w := &mockWriter{applyFunc: func(ctx context.Context, tenantID, woID, techID string, travel float64) (model.WorkOrder, error) {
		calls++
		if calls > 1 {
			return model.WorkOrder{}, errors.New("db down")
		}
		return model.WorkOrder{ID: woID, TechnicianID: techID, Status: model.StatusAssigned}, nil
	}}
	decisions, stats, err := e.AssignBatch(context.Background(), "t_demo", orders, pool, w)
	if err == nil {
		t.Fatal("want error")
	}
	if len(decisions) != 1 || !decisions[0].Assigned || decisions[0].WorkOrderID != "wo-1" {
		t.Fatalf("first decision should survive the failure, got %+v", decisions)
	}
	if stats.Assigned != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func BenchmarkEvaluate(b *testing.B) {
	dir := testDirectory()
	e := NewEngine(dir)
	wo := model.WorkOrder{ID: "wo-1", TenantID: "t_demo", Description: "Emergency wiring fault", Priority: model.PriorityEmergency, Status: model.StatusOpen, SiteRef: "site-1"}
	pool := make([]model.Technician, 0, 100)
	for i := 0; i < 100; i++ {
		pool = append(pool, model.Technician{
			ID: "t" + string(rune('a'+i%26)), Status: "active",
			Skills: []string{"ELECTRICAL"}, LocationRef: "tech:t1", ActiveCount: i % 8,
		})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Evaluate(context.Background(), wo, pool, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func TestRecordAndGetRuns(t *testing.T) {
	RecordRun("t_runs", "2026-08-27", RunStats{Considered: 3, Assigned: 2, Skipped: 1})
	runs := GetRuns("t_runs", "2026-08-27")
	got, ok := runs["2026-08-27"]
	if !ok || got.Assigned != 2 || got.RanAt == "" {
		t.Fatalf("runs = %+v", runs)
	}
	if all := GetRuns("t_runs", ""); len(all) == 0 {
		t.Fatal("empty date should list all runs")
	}
	if other := GetRuns("t_other", ""); len(other) != 0 {
		t.Fatalf("tenant isolation broken: %+v", other)
	}
}
