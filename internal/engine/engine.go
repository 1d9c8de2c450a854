package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dispatchline/internal/audit"
	"dispatchline/internal/config"
	"dispatchline/internal/domain"
	"dispatchline/internal/perspective"
	"dispatchline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

const dateLayout = "2006-01-02"

// CreateDispatch registers a scheduled movement. Dispatches are created by
// the external scheduling flow and read-only afterwards.
func (e Engine) CreateDispatch(ctx context.Context, id, originFacilityID, destinationFacilityID, scheduledDate, actorID string) (domain.Dispatch, error) {
	if originFacilityID == "" || destinationFacilityID == "" {
		return domain.Dispatch{}, ValidationError{Field: "facility ids", Reason: "are required"}
	}
	if originFacilityID == destinationFacilityID {
		return domain.Dispatch{}, ValidationError{Field: "destination_facility_id", Reason: "must differ from origin"}
	}
	if _, err := time.Parse(dateLayout, scheduledDate); err != nil {
		return domain.Dispatch{}, ValidationError{Field: "scheduled_date", Reason: "must be YYYY-MM-DD"}
	}
	if id == "" {
		id = uuid.New().String()
	}
	d := domain.Dispatch{
		ID:                    id,
		OriginFacilityID:      originFacilityID,
		DestinationFacilityID: destinationFacilityID,
		ScheduledDate:         scheduledDate,
		CreatedAt:             e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispatch{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDispatch(ctx, tx, d); err != nil {
		return domain.Dispatch{}, fmt.Errorf("insert dispatch: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EntityType: "dispatch", EntityID: d.ID, Action: "dispatch.created",
		After: fmt.Sprintf("%s -> %s on %s", d.OriginFacilityID, d.DestinationFacilityID, d.ScheduledDate),
		Actor: actorID,
	}); err != nil {
		return domain.Dispatch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispatch{}, err
	}
	return d, nil
}

// TripCreateOptions are parameters for assigning a vehicle to a dispatch.
type TripCreateOptions struct {
	ID         string
	DispatchID string
	DriverID   string
	VehicleID  string
	TrailerID  string
	ActorID    string
}

func (e Engine) CreateTrip(ctx context.Context, opts TripCreateOptions) (domain.Trip, error) {
	if opts.DispatchID == "" {
		return domain.Trip{}, ValidationError{Field: "dispatch_id", Reason: "is required"}
	}
	if opts.DriverID == "" {
		return domain.Trip{}, ValidationError{Field: "driver_id", Reason: "is required"}
	}
	if opts.VehicleID == "" {
		return domain.Trip{}, ValidationError{Field: "vehicle_id", Reason: "is required"}
	}
	if _, err := e.Repo.GetDispatch(ctx, opts.DispatchID); err != nil {
		return domain.Trip{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Trip{
		ID:         id,
		DispatchID: opts.DispatchID,
		DriverID:   opts.DriverID,
		VehicleID:  opts.VehicleID,
		State:      domain.TripAssigned,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if opts.TrailerID != "" {
		t.TrailerID = &opts.TrailerID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trip{}, err
	}
	defer tx.Rollback()
	seq, err := e.Repo.NextTripSeq(ctx, tx, opts.DispatchID)
	if err != nil {
		return domain.Trip{}, err
	}
	t.Seq = seq
	if err := e.Repo.InsertTrip(ctx, tx, t); err != nil {
		return domain.Trip{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EntityType: "trip", EntityID: t.ID, Action: "trip.created",
		After: t.State, Actor: opts.ActorID,
	}); err != nil {
		return domain.Trip{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trip{}, err
	}
	return t, nil
}

// TransitionOptions are parameters for advancing a trip one checkpoint.
type TransitionOptions struct {
	TripID      string
	TargetState string
	FacilityID  string
	ActorID     string
}

// Transition advances a trip to the unique successor of its current state.
// The acting facility must stand on the correct side of the dispatch, and
// gated checkpoints require every compliance document of the trip's driver,
// vehicle and trailer to be usable; a failed gate opens (or reuses) a
// documentation incident and returns ComplianceBlockedError.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Trip, error) {
	if !domain.ValidTripState(opts.TargetState) {
		return domain.Trip{}, ValidationError{Field: "target_state", Reason: "is not a trip state"}
	}
	t, err := e.Repo.GetTrip(ctx, opts.TripID)
	if err != nil {
		return t, err
	}
	// Duplicate request for the already-applied state is a no-op.
	if t.State == opts.TargetState {
		return t, nil
	}
	if succ := domain.TripSuccessor(t.State); opts.TargetState != succ {
		return t, InvalidTransitionError{Entity: "trip", ID: t.ID, From: t.State, To: opts.TargetState}
	}
	d, err := e.Repo.GetDispatch(ctx, t.DispatchID)
	if err != nil {
		return t, err
	}
	role := perspective.Resolve(opts.FacilityID, d)
	if !perspective.Authorized(role, opts.TargetState) {
		return t, InvalidTransitionError{
			Entity: "trip", ID: t.ID, From: t.State, To: opts.TargetState,
			Detail: fmt.Sprintf("facility %s is %s for dispatch %s", opts.FacilityID, role, d.ID),
		}
	}
	if domain.GatedTripState(opts.TargetState) {
		if blocked, err := e.checkCompliance(ctx, t, opts); blocked != nil || err != nil {
			if err != nil {
				return t, err
			}
			return t, *blocked
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	updatedAt := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTripState(ctx, tx, t.ID, t.State, opts.TargetState, updatedAt); err != nil {
		if errors.Is(err, repo.ErrStale) {
			current, rerr := e.Repo.GetTrip(ctx, t.ID)
			if rerr == nil && current.State == opts.TargetState {
				return current, nil
			}
			return t, ErrConflict
		}
		return t, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EntityType: "trip", EntityID: t.ID, Action: "trip.transitioned",
		Before: t.State, After: opts.TargetState, Actor: opts.ActorID,
		Reason: "facility " + opts.FacilityID,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.State = opts.TargetState
	t.UpdatedAt = updatedAt
	return t, nil
}

// checkCompliance gates a checkpoint. On failure it opens or reuses a
// documentation incident; the incident commit is independent of the rejected
// transition.
func (e Engine) checkCompliance(ctx context.Context, t domain.Trip, opts TransitionOptions) (*ComplianceBlockedError, error) {
	docs, err := e.Repo.ListTripDocuments(ctx, t)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var unusable []string
	for _, d := range docs {
		if !e.IsUsable(d, now) {
			unusable = append(unusable, d.ID)
		}
	}
	if len(unusable) == 0 {
		return nil, nil
	}
	inc, _, err := e.OpenIncident(ctx, IncidentOpenOptions{
		TripID:         t.ID,
		Type:           domain.IncidentTypeDocumentation,
		Severity:       domain.SeverityHigh,
		Description:    fmt.Sprintf("compliance gate failed entering %s", opts.TargetState),
		AffectedDocIDs: unusable,
		ReporterID:     opts.ActorID,
	})
	if err != nil {
		return nil, err
	}
	return &ComplianceBlockedError{
		TripID:      t.ID,
		TargetState: opts.TargetState,
		IncidentID:  inc.ID,
		DocumentIDs: unusable,
	}, nil
}

// Board returns per-bucket trip counts for one facility, classified through
// the perspective resolver.
func (e Engine) Board(ctx context.Context, facilityID string) (perspective.Counts, error) {
	var counts perspective.Counts
	trips, dispatches, err := e.Repo.ListTripsForFacility(ctx, facilityID)
	if err != nil {
		return counts, err
	}
	today := e.now().UTC().Truncate(24 * time.Hour)
	for _, t := range trips {
		d := dispatches[t.DispatchID]
		scheduled, err := time.Parse(dateLayout, d.ScheduledDate)
		if err != nil {
			continue
		}
		role := perspective.Resolve(facilityID, d)
		counts.Add(perspective.Classify(role, t.State, scheduled, today))
	}
	return counts, nil
}
