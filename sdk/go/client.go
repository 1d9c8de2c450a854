// Package dispatchlinesdk is a minimal typed client for the Dispatchline
// HTTP API.
package dispatchlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Dispatchline server.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Dispatch is a scheduled movement between two facilities.
type Dispatch struct {
	ID                    string `json:"id"`
	OriginFacilityID      string `json:"origin_facility_id"`
	DestinationFacilityID string `json:"destination_facility_id"`
	ScheduledDate         string `json:"scheduled_date"`
	CreatedAt             string `json:"created_at"`
}

// Trip is one vehicle/driver assignment on a dispatch.
type Trip struct {
	ID         string  `json:"id"`
	DispatchID string  `json:"dispatch_id"`
	DriverID   string  `json:"driver_id"`
	VehicleID  string  `json:"vehicle_id"`
	TrailerID  *string `json:"trailer_id,omitempty"`
	State      string  `json:"state"`
	Seq        int     `json:"seq"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// Document is a compliance document with its derived validity.
type Document struct {
	ID             string  `json:"id"`
	ResourceType   string  `json:"resource_type"`
	ResourceID     string  `json:"resource_id"`
	DocType        string  `json:"doc_type"`
	IssueDate      string  `json:"issue_date,omitempty"`
	ExpiryDate     *string `json:"expiry_date,omitempty"`
	State          string  `json:"state"`
	EffectiveState string  `json:"effective_state"`
}

// Incident is a tracked problem blocking or affecting a trip.
type Incident struct {
	ID             string   `json:"id"`
	TripID         string   `json:"trip_id"`
	Type           string   `json:"type"`
	Severity       string   `json:"severity"`
	State          string   `json:"state"`
	AffectedDocIDs []string `json:"affected_doc_ids,omitempty"`
	ResolutionText *string  `json:"resolution_text,omitempty"`
}

// BoardCounts aggregates a facility's stage buckets.
type BoardCounts struct {
	Expected   int `json:"expected"`
	InFacility int `json:"in_facility"`
	Loading    int `json:"loading"`
	Unloading  int `json:"unloading"`
	Departed   int `json:"departed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDispatch registers a scheduled movement.
func (c *Client) CreateDispatch(ctx context.Context, origin, destination, scheduledDate string) (Dispatch, error) {
	body := map[string]any{
		"origin_facility_id":      origin,
		"destination_facility_id": destination,
		"scheduled_date":          scheduledDate,
	}
	var resp Dispatch
	err := c.do(ctx, http.MethodPost, "v0/dispatches", body, &resp)
	return resp, err
}

// CreateTrip assigns a driver and vehicle to a dispatch.
func (c *Client) CreateTrip(ctx context.Context, dispatchID, driverID, vehicleID string, trailerID *string) (Trip, error) {
	body := map[string]any{
		"dispatch_id": dispatchID,
		"driver_id":   driverID,
		"vehicle_id":  vehicleID,
	}
	if trailerID != nil {
		body["trailer_id"] = *trailerID
	}
	var resp Trip
	err := c.do(ctx, http.MethodPost, "v0/trips", body, &resp)
	return resp, err
}

// Transition advances a trip on behalf of a facility.
func (c *Client) Transition(ctx context.Context, tripID, targetState, facilityID string) (Trip, error) {
	body := map[string]any{
		"target_state": targetState,
		"facility_id":  facilityID,
	}
	var resp Trip
	endpoint := fmt.Sprintf("v0/trips/%s/transition", url.PathEscape(tripID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetTrip fetches a trip by id.
func (c *Client) GetTrip(ctx context.Context, tripID string) (Trip, error) {
	var resp Trip
	endpoint := fmt.Sprintf("v0/trips/%s", url.PathEscape(tripID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Board returns a facility's stage counts.
func (c *Client) Board(ctx context.Context, facilityID string) (BoardCounts, error) {
	var resp BoardCounts
	endpoint := fmt.Sprintf("v0/facilities/%s/board", url.PathEscape(facilityID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddDocument registers a compliance document pending validation.
func (c *Client) AddDocument(ctx context.Context, resourceType, resourceID, docType, issueDate string, expiryDate *string) (Document, error) {
	body := map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"doc_type":      docType,
		"issue_date":    issueDate,
	}
	if expiryDate != nil {
		body["expiry_date"] = *expiryDate
	}
	var resp Document
	err := c.do(ctx, http.MethodPost, "v0/documents", body, &resp)
	return resp, err
}

// ApproveDocument approves a document, optionally correcting its dates.
func (c *Client) ApproveDocument(ctx context.Context, docID string, issueDate, expiryDate *string) (Document, error) {
	body := map[string]any{}
	if issueDate != nil {
		body["issue_date"] = *issueDate
	}
	if expiryDate != nil {
		body["expiry_date"] = *expiryDate
	}
	var resp Document
	endpoint := fmt.Sprintf("v0/documents/%s/approve", url.PathEscape(docID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RejectDocument rejects a pending document.
func (c *Client) RejectDocument(ctx context.Context, docID, reason string) (Document, error) {
	body := map[string]any{"reason": reason}
	var resp Document
	endpoint := fmt.Sprintf("v0/documents/%s/reject", url.PathEscape(docID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// OpenIncident opens (or reuses) an incident for a trip.
func (c *Client) OpenIncident(ctx context.Context, tripID, incidentType, severity, description string, docIDs []string) (Incident, error) {
	body := map[string]any{
		"trip_id":     tripID,
		"type":        incidentType,
		"severity":    severity,
		"description": description,
	}
	if len(docIDs) > 0 {
		body["affected_doc_ids"] = docIDs
	}
	var resp Incident
	err := c.do(ctx, http.MethodPost, "v0/incidents", body, &resp)
	return resp, err
}

// ResolveIncident resolves an in-progress incident.
func (c *Client) ResolveIncident(ctx context.Context, incidentID, resolutionText string) (Incident, error) {
	body := map[string]any{"resolution_text": resolutionText}
	var resp Incident
	endpoint := fmt.Sprintf("v0/incidents/%s/resolve", url.PathEscape(incidentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
