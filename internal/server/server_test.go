package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dispatchline/internal/config"
	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// newTestServer boots the API on a loopback port. An empty jwtSecret runs
// the server in dev mode, where X-Actor-Id grants full roles.
func newTestServer(t *testing.T, jwtSecret string) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: jwtSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeErrorEnvelope(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error
}

func TestComplianceGateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()
	dev := map[string]string{"X-Actor-Id": "gatekeeper"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/dispatches", map[string]any{
		"origin_facility_id":      "fac-a",
		"destination_facility_id": "fac-b",
		"scheduled_date":          "2030-01-15",
	}, dev)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create dispatch: %d %s", res.StatusCode, string(data))
	}
	var dispatch domain.Dispatch
	if err := json.Unmarshal(data, &dispatch); err != nil {
		t.Fatalf("unmarshal dispatch: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/trips", map[string]any{
		"dispatch_id": dispatch.ID,
		"driver_id":   "driver-1",
		"vehicle_id":  "vehicle-1",
	}, dev)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create trip: %d %s", res.StatusCode, string(data))
	}
	var trip domain.Trip
	if err := json.Unmarshal(data, &trip); err != nil {
		t.Fatalf("unmarshal trip: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"resource_type": "driver",
		"resource_id":   "driver-1",
		"doc_type":      "driver_license",
		"issue_date":    "2029-01-01",
	}, dev)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add document: %d %s", res.StatusCode, string(data))
	}
	var doc domain.ComplianceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}

	transition := func(target string) (*http.Response, []byte) {
		return doJSON(t, client, http.MethodPost, srv.URL+"/v0/trips/"+trip.ID+"/transition", map[string]any{
			"target_state": target,
			"facility_id":  "fac-a",
		}, dev)
	}

	for _, state := range []string{domain.TripDriverConfirmed, domain.TripEnRouteToOrigin} {
		res, data = transition(state)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s: %d %s", state, res.StatusCode, string(data))
		}
	}

	// arrived_at_origin is a checkpoint: the pending license blocks it.
	res, data = transition(domain.TripArrivedAtOrigin)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected compliance block, got %d %s", res.StatusCode, string(data))
	}
	apiErr := decodeErrorEnvelope(t, data)
	if apiErr.Code != "compliance_blocked" {
		t.Fatalf("expected compliance_blocked, got %s", apiErr.Code)
	}
	incidentID, _ := apiErr.Details["incident_id"].(string)
	if incidentID == "" {
		t.Fatalf("expected incident_id in details, got %v", apiErr.Details)
	}
	docIDs, _ := apiErr.Details["document_ids"].([]any)
	if len(docIDs) != 1 || docIDs[0] != doc.ID {
		t.Fatalf("expected blocking document %s, got %v", doc.ID, apiErr.Details["document_ids"])
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/approve", map[string]any{
		"expiry_date": "2031-01-01",
	}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve document: %d %s", res.StatusCode, string(data))
	}

	res, data = transition(domain.TripArrivedAtOrigin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition after approval: %d %s", res.StatusCode, string(data))
	}
	var advanced domain.Trip
	if err := json.Unmarshal(data, &advanced); err != nil {
		t.Fatalf("unmarshal trip: %v", err)
	}
	if advanced.State != domain.TripArrivedAtOrigin {
		t.Fatalf("expected arrived_at_origin, got %s", advanced.State)
	}
}

func TestTransitionSkipRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()
	dev := map[string]string{"X-Actor-Id": "dispatcher"}

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/dispatches", map[string]any{
		"origin_facility_id":      "fac-a",
		"destination_facility_id": "fac-b",
		"scheduled_date":          "2030-01-15",
	}, dev)
	var dispatch domain.Dispatch
	_ = json.Unmarshal(data, &dispatch)
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/trips", map[string]any{
		"dispatch_id": dispatch.ID,
		"driver_id":   "driver-1",
		"vehicle_id":  "vehicle-1",
	}, dev)
	var trip domain.Trip
	_ = json.Unmarshal(data, &trip)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/trips/"+trip.ID+"/transition", map[string]any{
		"target_state": "loading",
		"facility_id":  "fac-a",
	}, dev)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for skipped state, got %d %s", res.StatusCode, string(body))
	}
	if apiErr := decodeErrorEnvelope(t, body); apiErr.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", apiErr.Code)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/trips", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	if apiErr := decodeErrorEnvelope(t, data); apiErr.Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %s", apiErr.Code)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", res.StatusCode)
	}
}

func TestJWTRolesEnforced(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, secret)
	defer cleanup()
	client := srv.Client()

	sign := func(subject string, roles ...string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   subject,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Roles: roles,
		})
		signed, err := token.SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}
	operator := map[string]string{"Authorization": "Bearer " + sign("op-1", RoleOperator)}

	// With a secret configured the dev header is no longer trusted.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/trips", nil, map[string]string{"X-Actor-Id": "intruder"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dev header must be rejected, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dispatches", map[string]any{
		"origin_facility_id":      "fac-a",
		"destination_facility_id": "fac-b",
		"scheduled_date":          "2030-01-15",
	}, operator)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("operator create dispatch: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"resource_type": "driver",
		"resource_id":   "driver-1",
		"doc_type":      "driver_license",
		"issue_date":    "2029-01-01",
	}, operator)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("operator add document: %d %s", res.StatusCode, string(data))
	}
	var doc domain.ComplianceDocument
	_ = json.Unmarshal(data, &doc)

	// Approval needs the validator role.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/approve", map[string]any{}, operator)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for operator approval, got %d %s", res.StatusCode, string(data))
	}
	if apiErr := decodeErrorEnvelope(t, data); apiErr.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", apiErr.Code)
	}

	validator := map[string]string{"Authorization": "Bearer " + sign("val-1", RoleValidator)}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/approve", map[string]any{}, validator)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validator approve: %d %s", res.StatusCode, string(data))
	}
}
