package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConflict reports a lost compare-and-set race: the entity changed between
// the read and the write. Callers re-read and may retry.
var ErrConflict = errors.New("concurrent update conflict; re-read and retry")

// InvalidTransitionError reports a state change that is not the unique valid
// successor, or a facility acting on the wrong half of a trip.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Detail string
}

func (e InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ComplianceBlockedError reports a gated checkpoint rejected because one or
// more documents are unusable. The incident opened (or reused) as a side
// effect is referenced for the caller.
type ComplianceBlockedError struct {
	TripID      string
	TargetState string
	IncidentID  string
	DocumentIDs []string
}

func (e ComplianceBlockedError) Error() string {
	return fmt.Sprintf("transition to %s blocked: unusable documents [%s] (incident %s)",
		e.TargetState, strings.Join(e.DocumentIDs, ", "), e.IncidentID)
}

// ValidationError reports a missing or malformed field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// UnresolvedDependencyError reports an incident resolution attempt while its
// blocking condition still holds.
type UnresolvedDependencyError struct {
	IncidentID  string
	DocumentIDs []string
}

func (e UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("incident %s cannot resolve: documents still unusable [%s]",
		e.IncidentID, strings.Join(e.DocumentIDs, ", "))
}
