package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"dispatchline/internal/audit"
	"dispatchline/internal/domain"
	"dispatchline/internal/repo"
)

// EvaluateDocument recomputes a document's effective validity state at asOf.
// Pure: approved documents decay to approaching_expiry inside warnWindow of
// their expiry date and to expired past it; provisional approvals decay to
// their underlying state once the grant is older than provWindow. All other
// states pass through unchanged.
func EvaluateDocument(d domain.ComplianceDocument, asOf time.Time, warnWindow, provWindow time.Duration) string {
	switch d.State {
	case domain.DocApproved:
		if d.ExpiryDate == nil {
			return domain.DocApproved
		}
		expiry, err := time.Parse(dateLayout, *d.ExpiryDate)
		if err != nil {
			return domain.DocApproved
		}
		// Valid through the whole expiry day.
		endOfValidity := expiry.Add(24 * time.Hour)
		if !asOf.Before(endOfValidity) {
			return domain.DocExpired
		}
		if endOfValidity.Sub(asOf) <= warnWindow {
			return domain.DocApproachingExpiry
		}
		return domain.DocApproved
	case domain.DocProvisional:
		if d.ProvisionalGrantAt == nil {
			return domain.DocProvisional
		}
		grant, err := time.Parse(time.RFC3339, *d.ProvisionalGrantAt)
		if err != nil {
			return domain.DocProvisional
		}
		if asOf.Sub(grant) >= provWindow {
			if d.PriorState != nil {
				return *d.PriorState
			}
			return domain.DocPending
		}
		return domain.DocProvisional
	}
	return d.State
}

// Evaluate applies the configured windows to EvaluateDocument.
func (e Engine) Evaluate(d domain.ComplianceDocument, asOf time.Time) string {
	return EvaluateDocument(d, asOf, e.Config.ApproachingExpiryWindow(), e.Config.ProvisionalWindow())
}

// IsUsable is the single predicate checkpoint gating relies on: true for
// approved and approaching-expiry documents, and for provisional approvals
// whose grant has not decayed.
func (e Engine) IsUsable(d domain.ComplianceDocument, asOf time.Time) bool {
	switch e.Evaluate(d, asOf) {
	case domain.DocApproved, domain.DocApproachingExpiry, domain.DocProvisional:
		return true
	}
	return false
}

// DocumentCreateOptions are parameters for registering an uploaded document.
type DocumentCreateOptions struct {
	ID           string
	ResourceType string
	ResourceID   string
	DocType      string
	IssueDate    string
	ExpiryDate   string
	ActorID      string
}

func (e Engine) AddDocument(ctx context.Context, opts DocumentCreateOptions) (domain.ComplianceDocument, error) {
	switch opts.ResourceType {
	case domain.ResourceDriver, domain.ResourceVehicle, domain.ResourceTrailer:
	default:
		return domain.ComplianceDocument{}, ValidationError{Field: "resource_type", Reason: "must be driver, vehicle or trailer"}
	}
	if opts.ResourceID == "" {
		return domain.ComplianceDocument{}, ValidationError{Field: "resource_id", Reason: "is required"}
	}
	if opts.DocType == "" {
		return domain.ComplianceDocument{}, ValidationError{Field: "doc_type", Reason: "is required"}
	}
	if e.Config != nil && !e.Config.KnownDocType(opts.DocType) {
		return domain.ComplianceDocument{}, ValidationError{Field: "doc_type", Reason: fmt.Sprintf("%q is not in the document catalog", opts.DocType)}
	}
	for _, date := range []string{opts.IssueDate, opts.ExpiryDate} {
		if date != "" {
			if _, err := time.Parse(dateLayout, date); err != nil {
				return domain.ComplianceDocument{}, ValidationError{Field: "dates", Reason: "must be YYYY-MM-DD"}
			}
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	d := domain.ComplianceDocument{
		ID:           id,
		ResourceType: opts.ResourceType,
		ResourceID:   opts.ResourceID,
		DocType:      opts.DocType,
		IssueDate:    opts.IssueDate,
		State:        domain.DocPending,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	if opts.ExpiryDate != "" {
		d.ExpiryDate = &opts.ExpiryDate
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
		return d, fmt.Errorf("insert document: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EntityType: "document", EntityID: d.ID, Action: "document.uploaded",
		After: d.State, Actor: opts.ActorID,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// Approve finalizes a document. Valid from pending_validation or
// provisionally_approved. Calling it on an already-approved document is a
// no-op unless it changes the issue or expiry dates, so repeated approvals
// never double-audit.
func (e Engine) Approve(ctx context.Context, docID, validatorID string, issueDate, expiryDate *string) (domain.ComplianceDocument, error) {
	if validatorID == "" {
		return domain.ComplianceDocument{}, ValidationError{Field: "validator", Reason: "is required"}
	}
	d, err := e.Repo.GetDocument(ctx, docID)
	if err != nil {
		return d, err
	}
	switch d.State {
	case domain.DocApproved:
		changed := false
		if issueDate != nil && *issueDate != d.IssueDate {
			d.IssueDate = *issueDate
			changed = true
		}
		if expiryDate != nil && (d.ExpiryDate == nil || *expiryDate != *d.ExpiryDate) {
			d.ExpiryDate = expiryDate
			changed = true
		}
		if !changed {
			return d, nil
		}
	case domain.DocPending, domain.DocProvisional:
		if issueDate != nil {
			d.IssueDate = *issueDate
		}
		if expiryDate != nil {
			d.ExpiryDate = expiryDate
		}
	default:
		return d, InvalidTransitionError{Entity: "document", ID: d.ID, From: d.State, To: domain.DocApproved, Detail: "re-upload required"}
	}
	fromState := d.State
	d.State = domain.DocApproved
	d.ProvisionalGrantAt = nil
	d.PriorState = nil
	d.IncidentID = nil
	d.RejectionReason = nil
	d.ValidatorID = &validatorID
	return e.writeDocument(ctx, d, fromState, "document.approved", validatorID, "")
}

// Reject refuses a pending document. The reason is mandatory and preserved
// on the row and in the audit trail.
func (e Engine) Reject(ctx context.Context, docID, validatorID, reason string) (domain.ComplianceDocument, error) {
	if validatorID == "" {
		return domain.ComplianceDocument{}, ValidationError{Field: "validator", Reason: "is required"}
	}
	if strings.TrimSpace(reason) == "" {
		return domain.ComplianceDocument{}, ValidationError{Field: "reason", Reason: "is required"}
	}
	d, err := e.Repo.GetDocument(ctx, docID)
	if err != nil {
		return d, err
	}
	if d.State != domain.DocPending {
		return d, InvalidTransitionError{Entity: "document", ID: d.ID, From: d.State, To: domain.DocRejected}
	}
	fromState := d.State
	d.State = domain.DocRejected
	d.RejectionReason = &reason
	d.ValidatorID = &validatorID
	return e.writeDocument(ctx, d, fromState, "document.rejected", validatorID, reason)
}

// ApproveProvisionally grants a time-limited override so a checkpoint can
// proceed while definitive validation is pending. Valid from
// pending_validation or rejected; the grant decays back to the prior state
// after the configured window unless superseded by a final approval.
func (e Engine) ApproveProvisionally(ctx context.Context, docID, validatorID, justification, incidentID string) (domain.ComplianceDocument, error) {
	if validatorID == "" {
		return domain.ComplianceDocument{}, ValidationError{Field: "validator", Reason: "is required"}
	}
	if strings.TrimSpace(justification) == "" {
		return domain.ComplianceDocument{}, ValidationError{Field: "justification", Reason: "is required"}
	}
	d, err := e.Repo.GetDocument(ctx, docID)
	if err != nil {
		return d, err
	}
	if d.State != domain.DocPending && d.State != domain.DocRejected {
		return d, InvalidTransitionError{Entity: "document", ID: d.ID, From: d.State, To: domain.DocProvisional}
	}
	fromState := d.State
	prior := d.State
	grantAt := e.now().UTC().Format(time.RFC3339)
	d.State = domain.DocProvisional
	d.PriorState = &prior
	d.ProvisionalGrantAt = &grantAt
	d.ValidatorID = &validatorID
	if incidentID != "" {
		d.IncidentID = &incidentID
	}
	return e.writeDocument(ctx, d, fromState, "document.provisionally_approved", validatorID, justification)
}

func (e Engine) writeDocument(ctx context.Context, d domain.ComplianceDocument, fromState, action, actor, reason string) (domain.ComplianceDocument, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDocumentState(ctx, tx, d, fromState); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return d, ErrConflict
		}
		return d, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EntityType: "document", EntityID: d.ID, Action: action,
		Before: fromState, After: d.State, Actor: actor, Reason: reason,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// SweepExpirations reverts decayed provisional approvals to their underlying
// state and marks approved documents past their expiry date as expired. Each
// document commits in its own compare-and-set transaction, so the sweep is
// safe to run concurrently with foreground validation: a document approved
// after the sweep's read snapshot simply loses the CAS and is skipped.
func (e Engine) SweepExpirations(ctx context.Context, actorID string) (int, error) {
	docs, err := e.Repo.SweepCandidates(ctx)
	if err != nil {
		return 0, err
	}
	now := e.now()
	swept := 0
	for _, d := range docs {
		effective := e.Evaluate(d, now)
		// approaching_expiry stays derived; only expiry and provisional
		// decay are persisted.
		if effective == d.State || effective == domain.DocApproachingExpiry {
			continue
		}
		fromState := d.State
		action := "document.expired"
		if fromState == domain.DocProvisional {
			action = "document.provisional_reverted"
			d.ProvisionalGrantAt = nil
			d.PriorState = nil
		}
		d.State = effective
		if _, err := e.writeDocument(ctx, d, fromState, action, actorID, ""); err != nil {
			if errors.Is(err, ErrConflict) {
				// A foreground validator won the race; nothing to do.
				continue
			}
			log.Printf("sweep: document %s: %v", d.ID, err)
			continue
		}
		swept++
	}
	return swept, nil
}
