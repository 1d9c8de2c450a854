package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"dispatchline/internal/audit"
	"dispatchline/internal/domain"
	"dispatchline/internal/repo"
)

func validIncidentTransition(from, to string) bool {
	switch from {
	case domain.IncidentOpen:
		return to == domain.IncidentInProgress || to == domain.IncidentClosed
	case domain.IncidentInProgress:
		return to == domain.IncidentResolved || to == domain.IncidentClosed
	case domain.IncidentResolved:
		return to == domain.IncidentClosed
	}
	return false
}

// IncidentOpenOptions are parameters for reporting an incident.
type IncidentOpenOptions struct {
	TripID         string
	Type           string
	Severity       string
	Description    string
	AffectedDocIDs []string
	ReporterID     string
}

// OpenIncident creates an incident in the open state. If an open or
// in-progress incident of the same type already exists for the trip, it is
// returned instead of a duplicate; newly affected documents are merged into
// its set. The second return value reports whether a new incident was
// created.
func (e Engine) OpenIncident(ctx context.Context, opts IncidentOpenOptions) (domain.Incident, bool, error) {
	switch opts.Type {
	case domain.IncidentTypeDocumentation, domain.IncidentTypeMechanical, domain.IncidentTypeDelay, domain.IncidentTypeOther:
	default:
		return domain.Incident{}, false, ValidationError{Field: "type", Reason: "is not an incident type"}
	}
	switch opts.Severity {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
	default:
		return domain.Incident{}, false, ValidationError{Field: "severity", Reason: "must be low, medium, high or critical"}
	}
	if _, err := e.Repo.GetTrip(ctx, opts.TripID); err != nil {
		return domain.Incident{}, false, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Incident{}, false, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.ActiveIncident(ctx, tx, opts.TripID, opts.Type)
	if err == nil {
		if err := e.Repo.AddIncidentDocuments(ctx, tx, existing.ID, opts.AffectedDocIDs); err != nil {
			return existing, false, err
		}
		if err := tx.Commit(); err != nil {
			return existing, false, err
		}
		existing.AffectedDocIDs = mergeIDs(existing.AffectedDocIDs, opts.AffectedDocIDs)
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Incident{}, false, err
	}

	inc := domain.Incident{
		ID:             uuid.New().String(),
		TripID:         opts.TripID,
		Type:           opts.Type,
		Severity:       opts.Severity,
		Description:    opts.Description,
		AffectedDocIDs: opts.AffectedDocIDs,
		State:          domain.IncidentOpen,
		ReporterID:     opts.ReporterID,
		CreatedAt:      e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertIncident(ctx, tx, inc); err != nil {
		return inc, false, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EntityType: "incident", EntityID: inc.ID, Action: "incident.opened",
		After: inc.State, Actor: opts.ReporterID, Reason: opts.Description,
	}); err != nil {
		return inc, false, err
	}
	if err := tx.Commit(); err != nil {
		return inc, false, err
	}
	return inc, true, nil
}

// ClaimIncident moves an open incident to in_progress.
func (e Engine) ClaimIncident(ctx context.Context, incidentID, actorID string) (domain.Incident, error) {
	inc, err := e.Repo.GetIncident(ctx, incidentID)
	if err != nil {
		return inc, err
	}
	if !validIncidentTransition(inc.State, domain.IncidentInProgress) {
		return inc, InvalidTransitionError{Entity: "incident", ID: inc.ID, From: inc.State, To: domain.IncidentInProgress}
	}
	fromState := inc.State
	inc.State = domain.IncidentInProgress
	inc.ResolverID = &actorID
	return e.writeIncident(ctx, inc, fromState, "incident.claimed", actorID, "")
}

// ResolveIncident moves an in-progress incident to resolved. Documentation
// incidents re-check every affected document at resolution time and fail
// with UnresolvedDependencyError while any is still unusable.
func (e Engine) ResolveIncident(ctx context.Context, incidentID, actorID, resolutionText string) (domain.Incident, error) {
	if resolutionText == "" {
		return domain.Incident{}, ValidationError{Field: "resolution", Reason: "is required"}
	}
	inc, err := e.Repo.GetIncident(ctx, incidentID)
	if err != nil {
		return inc, err
	}
	if !validIncidentTransition(inc.State, domain.IncidentResolved) {
		return inc, InvalidTransitionError{Entity: "incident", ID: inc.ID, From: inc.State, To: domain.IncidentResolved}
	}
	if inc.Type == domain.IncidentTypeDocumentation {
		now := e.now()
		var unusable []string
		for _, docID := range inc.AffectedDocIDs {
			d, err := e.Repo.GetDocument(ctx, docID)
			if err != nil {
				return inc, err
			}
			if !e.IsUsable(d, now) {
				unusable = append(unusable, d.ID)
			}
		}
		if len(unusable) > 0 {
			return inc, UnresolvedDependencyError{IncidentID: inc.ID, DocumentIDs: unusable}
		}
	}
	fromState := inc.State
	resolvedAt := e.now().UTC().Format(time.RFC3339)
	inc.State = domain.IncidentResolved
	inc.ResolutionText = &resolutionText
	inc.ResolverID = &actorID
	inc.ResolvedAt = &resolvedAt
	return e.writeIncident(ctx, inc, fromState, "incident.resolved", actorID, resolutionText)
}

// CloseIncident closes a resolved incident. Closing straight from open or
// in_progress is an administrative override reserved for the closer role;
// callers assert that with admin.
func (e Engine) CloseIncident(ctx context.Context, incidentID, actorID string, admin bool) (domain.Incident, error) {
	inc, err := e.Repo.GetIncident(ctx, incidentID)
	if err != nil {
		return inc, err
	}
	if !validIncidentTransition(inc.State, domain.IncidentClosed) {
		return inc, InvalidTransitionError{Entity: "incident", ID: inc.ID, From: inc.State, To: domain.IncidentClosed}
	}
	if inc.State != domain.IncidentResolved && !admin {
		return inc, InvalidTransitionError{
			Entity: "incident", ID: inc.ID, From: inc.State, To: domain.IncidentClosed,
			Detail: "closer role required before resolution",
		}
	}
	fromState := inc.State
	inc.State = domain.IncidentClosed
	return e.writeIncident(ctx, inc, fromState, "incident.closed", actorID, "")
}

func (e Engine) writeIncident(ctx context.Context, inc domain.Incident, fromState, action, actor, reason string) (domain.Incident, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return inc, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateIncidentState(ctx, tx, inc, fromState); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return inc, ErrConflict
		}
		return inc, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EntityType: "incident", EntityID: inc.ID, Action: action,
		Before: fromState, After: inc.State, Actor: actor, Reason: reason,
	}); err != nil {
		return inc, err
	}
	if err := tx.Commit(); err != nil {
		return inc, err
	}
	return inc, nil
}

func mergeIDs(existing, add []string) []string {
	seen := map[string]bool{}
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range add {
		if !seen[id] {
			existing = append(existing, id)
			seen[id] = true
		}
	}
	return existing
}
