package domain

// Dispatch is a scheduled movement between two facilities. Created by the
// external scheduling flow; read-only to the engine once trips reference it.
type Dispatch struct {
	ID                    string `json:"id"`
	OriginFacilityID      string `json:"origin_facility_id"`
	DestinationFacilityID string `json:"destination_facility_id"`
	ScheduledDate         string `json:"scheduled_date" format:"date"`
	CreatedAt             string `json:"created_at" format:"date-time"`
}

// Trip state vocabulary. The order of TripStates is the transition graph:
// each state has exactly one successor, the next element.
const (
	TripAssigned             = "assigned"
	TripDriverConfirmed      = "driver_confirmed"
	TripEnRouteToOrigin      = "en_route_to_origin"
	TripArrivedAtOrigin      = "arrived_at_origin"
	TripLoadCalled           = "load_called"
	TripLoading              = "loading"
	TripLoaded               = "loaded"
	TripDepartedOrigin       = "departed_origin"
	TripEnRouteToDestination = "en_route_to_destination"
	TripArrivedAtDestination = "arrived_at_destination"
	TripUnloadCalled         = "unload_called"
	TripUnloading            = "unloading"
	TripUnloaded             = "unloaded"
	TripDepartedDestination  = "departed_destination"
)

// TripStates lists every trip state in transition order.
var TripStates = []string{
	TripAssigned,
	TripDriverConfirmed,
	TripEnRouteToOrigin,
	TripArrivedAtOrigin,
	TripLoadCalled,
	TripLoading,
	TripLoaded,
	TripDepartedOrigin,
	TripEnRouteToDestination,
	TripArrivedAtDestination,
	TripUnloadCalled,
	TripUnloading,
	TripUnloaded,
	TripDepartedDestination,
}

// TripSuccessor returns the unique next state, or "" for the terminal state
// and for unknown states.
func TripSuccessor(state string) string {
	for i, s := range TripStates {
		if s == state && i+1 < len(TripStates) {
			return TripStates[i+1]
		}
	}
	return ""
}

// ValidTripState reports whether state is part of the trip vocabulary.
func ValidTripState(state string) bool {
	for _, s := range TripStates {
		if s == state {
			return true
		}
	}
	return false
}

// GatedTripState reports whether entering state requires every compliance
// document of the trip's driver, vehicle and trailer to be usable.
func GatedTripState(state string) bool {
	switch state {
	case TripArrivedAtOrigin, TripLoadCalled, TripArrivedAtDestination, TripUnloadCalled:
		return true
	}
	return false
}

// Trip is one vehicle/driver assignment executing a Dispatch.
type Trip struct {
	ID         string  `json:"id"`
	DispatchID string  `json:"dispatch_id"`
	DriverID   string  `json:"driver_id"`
	VehicleID  string  `json:"vehicle_id"`
	TrailerID  *string `json:"trailer_id,omitempty"`
	State      string  `json:"state" enum:"assigned,driver_confirmed,en_route_to_origin,arrived_at_origin,load_called,loading,loaded,departed_origin,en_route_to_destination,arrived_at_destination,unload_called,unloading,unloaded,departed_destination"`
	Seq        int     `json:"seq"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// Resource types a compliance document can belong to.
const (
	ResourceDriver  = "driver"
	ResourceVehicle = "vehicle"
	ResourceTrailer = "trailer"
)

// Stored document validity states. approaching_expiry is never stored; it is
// derived from the expiry date on read.
const (
	DocPending     = "pending_validation"
	DocApproved    = "approved"
	DocRejected    = "rejected"
	DocProvisional = "provisionally_approved"
	DocExpired     = "expired"
)

// DocApproachingExpiry is the derived state for approved documents within the
// configured warning window of their expiry date.
const DocApproachingExpiry = "approaching_expiry"

// ComplianceDocument is a time-bounded credential owned by a driver, vehicle
// or trailer. PriorState holds the state a provisional approval decays back
// to; it is set only while State is provisionally_approved.
type ComplianceDocument struct {
	ID                 string  `json:"id"`
	ResourceType       string  `json:"resource_type" enum:"driver,vehicle,trailer"`
	ResourceID         string  `json:"resource_id"`
	DocType            string  `json:"doc_type"`
	IssueDate          string  `json:"issue_date,omitempty" format:"date"`
	ExpiryDate         *string `json:"expiry_date,omitempty" format:"date"`
	State              string  `json:"state" enum:"pending_validation,approved,rejected,provisionally_approved,expired"`
	RejectionReason    *string `json:"rejection_reason,omitempty"`
	ProvisionalGrantAt *string `json:"provisional_grant_at,omitempty" format:"date-time"`
	PriorState         *string `json:"prior_state,omitempty"`
	ValidatorID        *string `json:"validator_id,omitempty"`
	IncidentID         *string `json:"incident_id,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
}

// Incident states and types.
const (
	IncidentOpen       = "open"
	IncidentInProgress = "in_progress"
	IncidentResolved   = "resolved"
	IncidentClosed     = "closed"
)

const (
	IncidentTypeDocumentation = "missing_invalid_documentation"
	IncidentTypeMechanical    = "mechanical_failure"
	IncidentTypeDelay         = "delay"
	IncidentTypeOther         = "other"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Incident is a tracked problem blocking or affecting a trip.
type Incident struct {
	ID             string   `json:"id"`
	TripID         string   `json:"trip_id"`
	Type           string   `json:"type" enum:"missing_invalid_documentation,mechanical_failure,delay,other"`
	Severity       string   `json:"severity" enum:"low,medium,high,critical"`
	Description    string   `json:"description,omitempty"`
	AffectedDocIDs []string `json:"affected_doc_ids,omitempty"`
	State          string   `json:"state" enum:"open,in_progress,resolved,closed"`
	ResolutionText *string  `json:"resolution_text,omitempty"`
	ReporterID     string   `json:"reporter_id"`
	ResolverID     *string  `json:"resolver_id,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	ResolvedAt     *string  `json:"resolved_at,omitempty" format:"date-time"`
}

// AuditRecord is an immutable fact about a state change.
type AuditRecord struct {
	ID         int64  `json:"id"`
	EntityType string `json:"entity_type" enum:"trip,document,incident,dispatch"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"`
	Before     string `json:"before,omitempty"`
	After      string `json:"after,omitempty"`
	Actor      string `json:"actor"`
	Reason     string `json:"reason,omitempty"`
	At         string `json:"at" format:"date-time"`
}

// APIKey authenticates a non-interactive actor against the HTTP API.
type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	KeyHash   string   `json:"key_hash"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
