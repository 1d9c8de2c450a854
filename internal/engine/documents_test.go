package engine_test

import (
	"errors"
	"testing"
	"time"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
)

func TestEvaluateDocumentExpiryBoundaries(t *testing.T) {
	expiry := "2026-04-10"
	warn := 30 * 24 * time.Hour
	prov := 24 * time.Hour
	doc := domain.ComplianceDocument{State: domain.DocApproved, ExpiryDate: &expiry}

	cases := []struct {
		name string
		asOf time.Time
		want string
	}{
		{"well before window", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), domain.DocApproved},
		{"window opens", time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), domain.DocApproachingExpiry},
		{"on expiry day still usable", time.Date(2026, 4, 10, 23, 0, 0, 0, time.UTC), domain.DocApproachingExpiry},
		{"day after expiry", time.Date(2026, 4, 11, 0, 0, 0, 0, time.UTC), domain.DocExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := engine.EvaluateDocument(doc, tc.asOf, warn, prov); got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestEvaluateDocumentNoExpiry(t *testing.T) {
	doc := domain.ComplianceDocument{State: domain.DocApproved}
	got := engine.EvaluateDocument(doc, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), 30*24*time.Hour, 24*time.Hour)
	if got != domain.DocApproved {
		t.Fatalf("document without expiry must stay approved, got %s", got)
	}
}

func TestEvaluateDocumentProvisionalDecay(t *testing.T) {
	grant := "2026-03-10T12:00:00Z"
	prior := domain.DocRejected
	doc := domain.ComplianceDocument{
		State:              domain.DocProvisional,
		ProvisionalGrantAt: &grant,
		PriorState:         &prior,
	}
	warn := 30 * 24 * time.Hour
	prov := 24 * time.Hour

	before := time.Date(2026, 3, 11, 11, 59, 59, 0, time.UTC)
	if got := engine.EvaluateDocument(doc, before, warn, prov); got != domain.DocProvisional {
		t.Fatalf("inside window: got %s", got)
	}
	at := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	if got := engine.EvaluateDocument(doc, at, warn, prov); got != domain.DocRejected {
		t.Fatalf("at 24h the grant decays to its prior state, got %s", got)
	}
}

func TestApproveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	doc := env.approveDoc(t, domain.ResourceDriver, "driver-1", "driver_license", "2027-01-01")

	again, err := env.Engine.Approve(env.Ctx, doc.ID, "validator-2", nil, nil)
	if err != nil {
		t.Fatalf("repeat approve: %v", err)
	}
	if again.State != domain.DocApproved {
		t.Fatalf("unexpected state %s", again.State)
	}
	if n := env.auditCount(t, doc.ID, "document.approved"); n != 1 {
		t.Fatalf("repeat approve must not double-audit, got %d records", n)
	}

	// Changing the dates is a real update and is audited.
	if _, err := env.Engine.Approve(env.Ctx, doc.ID, "validator-2", nil, strPtr("2027-06-01")); err != nil {
		t.Fatalf("approve with new expiry: %v", err)
	}
	if n := env.auditCount(t, doc.ID, "document.approved"); n != 2 {
		t.Fatalf("date change must audit, got %d records", n)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	env := newTestEnv(t)
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
	var ve engine.ValidationError
	if _, err := env.Engine.Reject(env.Ctx, doc.ID, "validator-1", "  "); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for blank reason, got %v", err)
	}
	rejected, err := env.Engine.Reject(env.Ctx, doc.ID, "validator-1", "photo unreadable")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.State != domain.DocRejected || rejected.RejectionReason == nil {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
	// Rejected documents need a re-upload, not a second rejection.
	var ite engine.InvalidTransitionError
	if _, err := env.Engine.Reject(env.Ctx, doc.ID, "validator-1", "again"); !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestApproveRejectedRequiresReupload(t *testing.T) {
	env := newTestEnv(t)
	doc, _ := env.Engine.AddDocument(env.Ctx, engine.DocumentCreateOptions{
		ResourceType: domain.ResourceDriver,
		ResourceID:   "driver-1",
		DocType:      "driver_license",
		IssueDate:    "2026-01-01",
		ActorID:      "uploader",
	})
	if _, err := env.Engine.Reject(env.Ctx, doc.ID, "validator-1", "expired photo"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	var ite engine.InvalidTransitionError
	if _, err := env.Engine.Approve(env.Ctx, doc.ID, "validator-1", nil, nil); !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition from rejected, got %v", err)
	}
}

func TestProvisionalApprovalDecaysViaSweep(t *testing.T) {
	env := newTestEnv(t)
	doc, _ := env.Engine.AddDocument(env.Ctx, engine.DocumentCreateOptions{
		ResourceType: domain.ResourceDriver,
		ResourceID:   "driver-1",
		DocType:      "driver_license",
		IssueDate:    "2026-01-01",
		ActorID:      "uploader",
	})
	if _, err := env.Engine.Reject(env.Ctx, doc.ID, "validator-1", "blurry scan"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	prov, err := env.Engine.ApproveProvisionally(env.Ctx, doc.ID, "supervisor-1", "paper original sighted at the gate", "")
	if err != nil {
		t.Fatalf("provisional: %v", err)
	}
	if prov.State != domain.DocProvisional || prov.PriorState == nil || *prov.PriorState != domain.DocRejected {
		t.Fatalf("unexpected provisional: %+v", prov)
	}
	if !env.Engine.IsUsable(prov, env.Clock.Now()) {
		t.Fatal("fresh provisional grant must be usable")
	}

	// Inside the window the sweep leaves it alone.
	env.Clock.Advance(23 * time.Hour)
	if swept, err := env.Engine.SweepExpirations(env.Ctx, "sweeper"); err != nil || swept != 0 {
		t.Fatalf("early sweep: swept=%d err=%v", swept, err)
	}

	env.Clock.Advance(2 * time.Hour)
	swept, err := env.Engine.SweepExpirations(env.Ctx, "sweeper")
	if err != nil || swept != 1 {
		t.Fatalf("sweep: swept=%d err=%v", swept, err)
	}
	decayed, err := env.Engine.Repo.GetDocument(env.Ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if decayed.State != domain.DocRejected {
		t.Fatalf("provisional must decay back to rejected, got %s", decayed.State)
	}
	if env.Engine.IsUsable(decayed, env.Clock.Now()) {
		t.Fatal("decayed grant must not be usable")
	}
	if n := env.auditCount(t, doc.ID, "document.provisional_reverted"); n != 1 {
		t.Fatalf("decay must audit once, got %d", n)
	}
}

func TestSweepExpiresApprovedDocuments(t *testing.T) {
	env := newTestEnv(t)
	soon := env.approveDoc(t, domain.ResourceVehicle, "vehicle-1", "vehicle_inspection", "2026-03-15")
	far := env.approveDoc(t, domain.ResourceVehicle, "vehicle-1", "vehicle_insurance", "2027-01-01")

	// Inside the warning window nothing is persisted; approaching_expiry
	// stays a derived state.
	if got := env.Engine.Evaluate(soon, env.Clock.Now()); got != domain.DocApproachingExpiry {
		t.Fatalf("expected approaching_expiry, got %s", got)
	}
	if swept, err := env.Engine.SweepExpirations(env.Ctx, "sweeper"); err != nil || swept != 0 {
		t.Fatalf("sweep inside window: swept=%d err=%v", swept, err)
	}
	stored, _ := env.Engine.Repo.GetDocument(env.Ctx, soon.ID)
	if stored.State != domain.DocApproved {
		t.Fatalf("stored state must stay approved, got %s", stored.State)
	}

	env.Clock.Advance(10 * 24 * time.Hour)
	swept, err := env.Engine.SweepExpirations(env.Ctx, "sweeper")
	if err != nil || swept != 1 {
		t.Fatalf("sweep past expiry: swept=%d err=%v", swept, err)
	}
	expired, _ := env.Engine.Repo.GetDocument(env.Ctx, soon.ID)
	if expired.State != domain.DocExpired {
		t.Fatalf("expected expired, got %s", expired.State)
	}
	untouched, _ := env.Engine.Repo.GetDocument(env.Ctx, far.ID)
	if untouched.State != domain.DocApproved {
		t.Fatalf("far expiry must stay approved, got %s", untouched.State)
	}
}

func TestAddDocumentRejectsUnknownCatalogType(t *testing.T) {
	env := newTestEnv(t)
	var ve engine.ValidationError
	_, err := env.Engine.AddDocument(env.Ctx, engine.DocumentCreateOptions{
		ResourceType: domain.ResourceDriver,
		ResourceID:   "driver-1",
		DocType:      "fishing_permit",
		IssueDate:    "2026-01-01",
		ActorID:      "uploader",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected catalog rejection, got %v", err)
	}
}

func TestProvisionalUnblocksGateUntilDecay(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDispatch(t, "fac-a", "fac-b", "2026-03-10")

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
	if _, err := env.Engine.Reject(env.Ctx, doc.ID, "validator-1", "blurry scan"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	toCheckpoint := func(trip domain.Trip) (domain.Trip, error) {
		env.advance(t, trip.ID, domain.TripDriverConfirmed, "fac-a")
		env.advance(t, trip.ID, domain.TripEnRouteToOrigin, "fac-a")
		return env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			TripID:      trip.ID,
			TargetState: domain.TripArrivedAtOrigin,
			FacilityID:  "fac-a",
			ActorID:     "gate-operator",
		})
	}

	trip := env.createTrip(t, d.ID)
	var blocked engine.ComplianceBlockedError
	if _, err := toCheckpoint(trip); !errors.As(err, &blocked) {
		t.Fatalf("expected compliance block with rejected license, got %v", err)
	}

	if _, err := env.Engine.ApproveProvisionally(env.Ctx, doc.ID, "validator-1", "renewal in progress", blocked.IncidentID); err != nil {
		t.Fatalf("provisional approval: %v", err)
	}
	env.advance(t, trip.ID, domain.TripArrivedAtOrigin, "fac-a")

	// 25 hours on, the sweep reverts the grant; the same document blocks a
	// fresh trip at the same checkpoint.
	env.Clock.Advance(25 * time.Hour)
	swept, err := env.Engine.SweepExpirations(env.Ctx, "sweeper")
	if err != nil || swept != 1 {
		t.Fatalf("sweep: swept=%d err=%v", swept, err)
	}
	second := env.createTrip(t, d.ID)
	if _, err := toCheckpoint(second); !errors.As(err, &blocked) {
		t.Fatalf("expected decayed grant to block again, got %v", err)
	}
}
