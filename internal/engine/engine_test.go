package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dispatchline/internal/config"
	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/migrate"
	"dispatchline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Now = clock.Now
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clock}
}

func (env testEnv) createDispatch(t *testing.T, origin, destination, date string) domain.Dispatch {
	t.Helper()
	d, err := env.Engine.CreateDispatch(env.Ctx, "", origin, destination, date, "scheduler")
	if err != nil {
		t.Fatalf("create dispatch: %v", err)
	}
	return d
}

func (env testEnv) createTrip(t *testing.T, dispatchID string) domain.Trip {
	t.Helper()
	trip, err := env.Engine.CreateTrip(env.Ctx, engine.TripCreateOptions{
		DispatchID: dispatchID,
		DriverID:   "driver-1",
		VehicleID:  "vehicle-1",
		ActorID:    "planner",
	})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	return trip
}

// approveDoc registers and approves a document so compliance gates pass.
func (env testEnv) approveDoc(t *testing.T, resourceType, resourceID, docType, expiry string) domain.ComplianceDocument {
	t.Helper()
	d, err := env.Engine.AddDocument(env.Ctx, engine.DocumentCreateOptions{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		DocType:      docType,
		IssueDate:    "2026-01-01",
		ExpiryDate:   expiry,
		ActorID:      "uploader",
	})
	if err != nil {
		t.Fatalf("add document: %v", err)
	}
	d, err = env.Engine.Approve(env.Ctx, d.ID, "validator-1", nil, nil)
	if err != nil {
		t.Fatalf("approve document: %v", err)
	}
	return d
}

func (env testEnv) advance(t *testing.T, tripID, target, facility string) domain.Trip {
	t.Helper()
	trip, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TripID:      tripID,
		TargetState: target,
		FacilityID:  facility,
		ActorID:     "gate-operator",
	})
	if err != nil {
		t.Fatalf("transition to %s: %v", target, err)
	}
	return trip
}

func (env testEnv) auditCount(t *testing.T, entityID, action string) int {
	t.Helper()
	records, err := env.Engine.Repo.ListAuditRecords(env.Ctx, repo.AuditFilters{EntityID: entityID, Action: action, Limit: 100})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return len(records)
}

func TestCreateDispatchValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateDispatch(env.Ctx, "", "fac-a", "fac-a", "2026-03-10", "scheduler"); err == nil {
		t.Fatal("expected same-facility dispatch to be rejected")
	}
	var ve engine.ValidationError
	_, err := env.Engine.CreateDispatch(env.Ctx, "", "fac-a", "fac-b", "10/03/2026", "scheduler")
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for bad date, got %v", err)
	}
}

func TestTripWalksFullGraph(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDispatch(t, "fac-a", "fac-b", "2026-03-10")
	trip := env.createTrip(t, d.ID)
	env.approveDoc(t, domain.ResourceDriver, "driver-1", "driver_license", "2027-01-01")
	env.approveDoc(t, domain.ResourceVehicle, "vehicle-1", "vehicle_inspection", "2027-01-01")

	facility := func(state string) string {
		for _, s := range domain.TripStates {
			if s == state {
				return "fac-a"
			}
			if s == domain.TripDepartedOrigin {
				return "fac-b"
			}
		}
		return "fac-b"
	}
	for _, target := range domain.TripStates[1:] {
		trip = env.advance(t, trip.ID, target, facility(target))
		if trip.State != target {
			t.Fatalf("expected %s, got %s", target, trip.State)
		}
	}
	if succ := domain.TripSuccessor(trip.State); succ != "" {
		t.Fatalf("departed_destination must be terminal, successor %q", succ)
	}
}

func TestTransitionRejectsSkips(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDispatch(t, "fac-a", "fac-b", "2026-03-10")
	trip := env.createTrip(t, d.ID)

	var ite engine.InvalidTransitionError
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TripID: trip.ID, TargetState: domain.TripEnRouteToOrigin, FacilityID: "fac-a", ActorID: "op",
	})
	if !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition for skipped state, got %v", err)
	}
	if ite.From != domain.TripAssigned || ite.To != domain.TripEnRouteToOrigin {
		t.Fatalf("unexpected error detail: %+v", ite)
	}
}

func TestTransitionFacilityAuthorization(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDispatch(t, "fac-a", "fac-b", "2026-03-10")
	trip := env.createTrip(t, d.ID)

	// Destination side cannot drive origin-phase transitions.
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TripID: trip.ID, TargetState: domain.TripDriverConfirmed, FacilityID: "fac-b", ActorID: "op",
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition for destination facility, got %v", err)
	}
	// Unrelated facilities cannot drive anything.
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TripID: trip.ID, TargetState: domain.TripDriverConfirmed, FacilityID: "fac-z", ActorID: "op",
	})
	if !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition for unrelated facility, got %v", err)
	}
	// The origin facility can.
	env.advance(t, trip.ID, domain.TripDriverConfirmed, "fac-a")
}

func TestTransitionDuplicateIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDispatch(t, "fac-a", "fac-b", "2026-03-10")
	trip := env.createTrip(t, d.ID)
	env.advance(t, trip.ID, domain.TripDriverConfirmed, "fac-a")

	got, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TripID: trip.ID, TargetState: domain.TripDriverConfirmed, FacilityID: "fac-a", ActorID: "op",
	})
	if err != nil {
		t.Fatalf("duplicate transition must be a no-op: %v", err)
	}
	if got.State != domain.TripDriverConfirmed {
		t.Fatalf("unexpected state %s", got.State)
	}
	if n := env.auditCount(t, trip.ID, "trip.transitioned"); n != 1 {
		t.Fatalf("duplicate transition must not audit again, got %d records", n)
	}
}

func TestComplianceGateBlocksAndOpensIncident(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDispatch(t, "fac-a", "fac-b", "2026-03-10")
	trip := env.createTrip(t, d.ID)
	// The driver's license is registered but never validated.
	doc, err := env.Engine.AddDocument(env.Ctx, engine.DocumentCreateOptions{
		ResourceType: domain.ResourceDriver,
		ResourceID:   "driver-1",
		DocType:      "driver_license",
		IssueDate:    "2026-01-01",
		ActorID:      "uploader",
	})
	if err != nil {
		t.Fatalf("add document: %v", err)
	}
	env.advance(t, trip.ID, domain.TripDriverConfirmed, "fac-a")
	env.advance(t, trip.ID, domain.TripEnRouteToOrigin, "fac-a")

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TripID: trip.ID, TargetState: domain.TripArrivedAtOrigin, FacilityID: "fac-a", ActorID: "op",
	})
	var blocked engine.ComplianceBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected compliance block, got %v", err)
	}
	if blocked.IncidentID == "" || len(blocked.DocumentIDs) != 1 || blocked.DocumentIDs[0] != doc.ID {
		t.Fatalf("unexpected block detail: %+v", blocked)
	}
	// Trip did not move.
	current, err := env.Engine.Repo.GetTrip(env.Ctx, trip.ID)
	if err != nil || current.State != domain.TripEnRouteToOrigin {
		t.Fatalf("trip must stay put, state=%s err=%v", current.State, err)
	}

	// A second blocked attempt reuses the same incident.
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		TripID: trip.ID, TargetState: domain.TripArrivedAtOrigin, FacilityID: "fac-a", ActorID: "op",
	})
	var again engine.ComplianceBlockedError
	if !errors.As(err, &again) {
		t.Fatalf("expected second compliance block, got %v", err)
	}
	if again.IncidentID != blocked.IncidentID {
		t.Fatalf("expected incident reuse, got %s then %s", blocked.IncidentID, again.IncidentID)
	}

	// Approving the document clears the gate.
	if _, err := env.Engine.Approve(env.Ctx, doc.ID, "validator-1", nil, strPtr("2027-01-01")); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.advance(t, trip.ID, domain.TripArrivedAtOrigin, "fac-a")
}

func TestBoardCounts(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDispatch(t, "fac-a", "fac-b", "2026-03-10")
	env.createTrip(t, d.ID)
	second := env.createTrip(t, d.ID)
	env.advance(t, second.ID, domain.TripDriverConfirmed, "fac-a")

	counts, err := env.Engine.Board(env.Ctx, "fac-a")
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if counts.Expected != 2 {
		t.Fatalf("expected 2 inbound trips at origin, got %+v", counts)
	}
	destCounts, err := env.Engine.Board(env.Ctx, "fac-b")
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if destCounts.Expected != 2 || destCounts.InFacility != 0 {
		t.Fatalf("unexpected destination counts: %+v", destCounts)
	}
	if _, err := env.Engine.Board(env.Ctx, "fac-z"); err != nil {
		t.Fatalf("unrelated board must be empty, not an error: %v", err)
	}
}

func TestTripSeqPerDispatch(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDispatch(t, "fac-a", "fac-b", "2026-03-10")
	first := env.createTrip(t, d.ID)
	second := env.createTrip(t, d.ID)
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", first.Seq, second.Seq)
	}
	other := env.createDispatch(t, "fac-a", "fac-c", "2026-03-11")
	third := env.createTrip(t, other.ID)
	if third.Seq != 1 {
		t.Fatalf("seq must restart per dispatch, got %d", third.Seq)
	}
}

func TestTripStateCompareAndSet(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDispatch(t, "fac-a", "fac-b", "2026-03-10")
	trip := env.createTrip(t, d.ID)
	at := env.Clock.Now().UTC().Format(time.RFC3339)

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	// A writer holding a stale view of the state must lose.
	err = env.Engine.Repo.UpdateTripState(env.Ctx, tx, trip.ID, domain.TripDriverConfirmed, domain.TripEnRouteToOrigin, at)
	if !errors.Is(err, repo.ErrStale) {
		t.Fatalf("expected stale write to fail, got %v", err)
	}
	if err := env.Engine.Repo.UpdateTripState(env.Ctx, tx, trip.ID, trip.State, domain.TripDriverConfirmed, at); err != nil {
		t.Fatalf("current-state write: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := env.Engine.Repo.GetTrip(env.Ctx, trip.ID)
	if err != nil || got.State != domain.TripDriverConfirmed {
		t.Fatalf("state=%s err=%v", got.State, err)
	}
}

func strPtr(s string) *string { return &s }
