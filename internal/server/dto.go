package server

// Request payloads. Responses reuse the domain structs, which carry their
// JSON and schema tags already.

type CreateDispatchRequest struct {
	ID                    *string `json:"id,omitempty"`
	OriginFacilityID      string  `json:"origin_facility_id"`
	DestinationFacilityID string  `json:"destination_facility_id"`
	ScheduledDate         string  `json:"scheduled_date" format:"date"`
}

type CreateTripRequest struct {
	ID         *string `json:"id,omitempty"`
	DispatchID string  `json:"dispatch_id"`
	DriverID   string  `json:"driver_id"`
	VehicleID  string  `json:"vehicle_id"`
	TrailerID  *string `json:"trailer_id,omitempty"`
}

type TransitionRequest struct {
	TargetState string `json:"target_state" enum:"assigned,driver_confirmed,en_route_to_origin,arrived_at_origin,load_called,loading,loaded,departed_origin,en_route_to_destination,arrived_at_destination,unload_called,unloading,unloaded,departed_destination"`
	FacilityID  string `json:"facility_id"`
}

type CreateDocumentRequest struct {
	ID           *string `json:"id,omitempty"`
	ResourceType string  `json:"resource_type" enum:"driver,vehicle,trailer"`
	ResourceID   string  `json:"resource_id"`
	DocType      string  `json:"doc_type"`
	IssueDate    string  `json:"issue_date" format:"date"`
	ExpiryDate   *string `json:"expiry_date,omitempty" format:"date"`
}

type ApproveDocumentRequest struct {
	IssueDate  *string `json:"issue_date,omitempty" format:"date"`
	ExpiryDate *string `json:"expiry_date,omitempty" format:"date"`
}

type RejectDocumentRequest struct {
	Reason string `json:"reason"`
}

type ProvisionalApprovalRequest struct {
	Justification string  `json:"justification"`
	IncidentID    *string `json:"incident_id,omitempty"`
}

type OpenIncidentRequest struct {
	TripID         string   `json:"trip_id"`
	Type           string   `json:"type" enum:"missing_invalid_documentation,mechanical_failure,delay,other"`
	Severity       string   `json:"severity" enum:"low,medium,high,critical"`
	Description    string   `json:"description,omitempty"`
	AffectedDocIDs []string `json:"affected_doc_ids,omitempty"`
}

type ResolveIncidentRequest struct {
	ResolutionText string `json:"resolution_text"`
}

type PerspectiveResponse struct {
	DispatchID string `json:"dispatch_id"`
	FacilityID string `json:"facility_id"`
	Role       string `json:"role" enum:"origin,destination,unrelated"`
}
