// Package server exposes the dispatch engine over HTTP with huma on chi.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/perspective"
	"dispatchline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"compliance_blocked"`
	Message string         `json:"message" example:"transition to arrived_at_origin blocked"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Dispatchline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Dispatchline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDispatches(group, cfg.Engine)
	registerTrips(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerIncidents(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerSweep(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var cbe engine.ComplianceBlockedError
	if errors.As(err, &cbe) {
		return newAPIError(http.StatusConflict, "compliance_blocked", err.Error(), map[string]any{
			"incident_id":  cbe.IncidentID,
			"document_ids": cbe.DocumentIDs,
			"target_state": cbe.TargetState,
		})
	}
	var ite engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"entity": ite.Entity,
			"id":     ite.ID,
			"from":   ite.From,
			"to":     ite.To,
		})
	}
	var ude engine.UnresolvedDependencyError
	if errors.As(err, &ude) {
		return newAPIError(http.StatusUnprocessableEntity, "unresolved_dependency", err.Error(), map[string]any{
			"incident_id":  ude.IncidentID,
			"document_ids": ude.DocumentIDs,
		})
	}
	if errors.Is(err, engine.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Dispatchline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDispatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-dispatch",
		Method:        http.MethodPost,
		Path:          "/dispatches",
		Summary:       "Register a scheduled movement",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateDispatchRequest `json:"body"`
	}) (*struct {
		Body domain.Dispatch `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireRole(ctx, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		id := ""
		if input.Body.ID != nil {
			id = *input.Body.ID
		}
		d, err := e.CreateDispatch(ctx, id, input.Body.OriginFacilityID, input.Body.DestinationFacilityID, input.Body.ScheduledDate, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispatch `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dispatches",
		Method:      http.MethodGet,
		Path:        "/dispatches",
		Summary:     "List dispatches",
	}, func(ctx context.Context, input *struct {
		FacilityID string `query:"facility_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Dispatch `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListDispatches(ctx, repo.DispatchFilters{FacilityID: input.FacilityID, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Dispatch `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dispatch",
		Method:      http.MethodGet,
		Path:        "/dispatches/{dispatch_id}",
		Summary:     "Get dispatch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DispatchID string `path:"dispatch_id"`
	}) (*struct {
		Body domain.Dispatch `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Repo.GetDispatch(ctx, input.DispatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispatch `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-perspective",
		Method:      http.MethodGet,
		Path:        "/dispatches/{dispatch_id}/perspective",
		Summary:     "Resolve a facility's role for a dispatch",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DispatchID string `path:"dispatch_id"`
		FacilityID string `query:"facility_id" required:"true"`
	}) (*struct {
		Body PerspectiveResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Repo.GetDispatch(ctx, input.DispatchID)
		if err != nil {
			return nil, handleError(err)
		}
		role := perspective.Resolve(input.FacilityID, d)
		return &struct {
			Body PerspectiveResponse `json:"body"`
		}{Body: PerspectiveResponse{
			DispatchID: d.ID,
			FacilityID: input.FacilityID,
			Role:       string(role),
		}}, nil
	})
}

func registerTrips(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-trip",
		Method:        http.MethodPost,
		Path:          "/trips",
		Summary:       "Assign a vehicle and driver to a dispatch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateTripRequest `json:"body"`
	}) (*struct {
		Body domain.Trip `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireRole(ctx, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TripCreateOptions{
			DispatchID: input.Body.DispatchID,
			DriverID:   input.Body.DriverID,
			VehicleID:  input.Body.VehicleID,
			ActorID:    p.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.TrailerID != nil {
			opts.TrailerID = *input.Body.TrailerID
		}
		t, err := e.CreateTrip(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trip `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-trips",
		Method:      http.MethodGet,
		Path:        "/trips",
		Summary:     "List trips",
	}, func(ctx context.Context, input *struct {
		DispatchID      string `query:"dispatch_id"`
		State           string `query:"state"`
		DriverID        string `query:"driver_id"`
		VehicleID       string `query:"vehicle_id"`
		Limit           int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []domain.Trip `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListTrips(ctx, repo.TripFilters{
			DispatchID:      input.DispatchID,
			State:           input.State,
			DriverID:        input.DriverID,
			VehicleID:       input.VehicleID,
			Limit:           input.Limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Trip `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-trip",
		Method:      http.MethodGet,
		Path:        "/trips/{trip_id}",
		Summary:     "Get trip",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TripID string `path:"trip_id"`
	}) (*struct {
		Body domain.Trip `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTrip(ctx, input.TripID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trip `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-trip",
		Method:      http.MethodPost,
		Path:        "/trips/{trip_id}/transition",
		Summary:     "Advance a trip to the next state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TripID string            `path:"trip_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.Trip `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireRole(ctx, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Transition(ctx, engine.TransitionOptions{
			TripID:      input.TripID,
			TargetState: input.Body.TargetState,
			FacilityID:  input.Body.FacilityID,
			ActorID:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trip `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "facility-board",
		Method:      http.MethodGet,
		Path:        "/facilities/{facility_id}/board",
		Summary:     "Stage counts for a facility's board",
	}, func(ctx context.Context, input *struct {
		FacilityID string `path:"facility_id"`
	}) (*struct {
		Body perspective.Counts `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := e.Board(ctx, input.FacilityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body perspective.Counts `json:"body"`
		}{Body: counts}, nil
	})
}

// documentView decorates the stored document with its derived validity.
type documentView struct {
	domain.ComplianceDocument
	EffectiveState string `json:"effective_state" enum:"pending_validation,approved,rejected,provisionally_approved,expired,approaching_expiry"`
}

func (e engineView) view(d domain.ComplianceDocument) documentView {
	return documentView{
		ComplianceDocument: d,
		EffectiveState:     e.Engine.Evaluate(d, e.Engine.Now()),
	}
}

type engineView struct {
	Engine engine.Engine
}

func (e engineView) views(docs []domain.ComplianceDocument) []documentView {
	out := make([]documentView, 0, len(docs))
	for _, d := range docs {
		out = append(out, e.view(d))
	}
	return out
}

func registerDocuments(api huma.API, e engine.Engine) {
	ev := engineView{Engine: e}

	huma.Register(api, huma.Operation{
		OperationID:   "create-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Register a compliance document",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateDocumentRequest `json:"body"`
	}) (*struct {
		Body documentView `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireRole(ctx, RoleOperator)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DocumentCreateOptions{
			ResourceType: input.Body.ResourceType,
			ResourceID:   input.Body.ResourceID,
			DocType:      input.Body.DocType,
			IssueDate:    input.Body.IssueDate,
			ActorID:      p.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ExpiryDate != nil {
			opts.ExpiryDate = *input.Body.ExpiryDate
		}
		d, err := e.AddDocument(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body documentView `json:"body"`
		}{Body: ev.view(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List compliance documents",
	}, func(ctx context.Context, input *struct {
		ResourceType string `query:"resource_type"`
		ResourceID   string `query:"resource_id"`
		DocType      string `query:"doc_type"`
		State        string `query:"state"`
		Limit        int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []documentView `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListDocuments(ctx, repo.DocumentFilters{
			ResourceType: input.ResourceType,
			ResourceID:   input.ResourceID,
			DocType:      input.DocType,
			State:        input.State,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []documentView `json:"body"`
		}{Body: ev.views(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}",
		Summary:     "Get document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body documentView `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Repo.GetDocument(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body documentView `json:"body"`
		}{Body: ev.view(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-document",
		Method:      http.MethodPost,
		Path:        "/documents/{document_id}/approve",
		Summary:     "Approve a document",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DocumentID string                 `path:"document_id"`
		Body       ApproveDocumentRequest `json:"body"`
	}) (*struct {
		Body documentView `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleValidator)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Approve(ctx, input.DocumentID, p.ActorID, input.Body.IssueDate, input.Body.ExpiryDate)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body documentView `json:"body"`
		}{Body: ev.view(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-document",
		Method:      http.MethodPost,
		Path:        "/documents/{document_id}/reject",
		Summary:     "Reject a document",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DocumentID string                `path:"document_id"`
		Body       RejectDocumentRequest `json:"body"`
	}) (*struct {
		Body documentView `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireRole(ctx, RoleValidator)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Reject(ctx, input.DocumentID, p.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body documentView `json:"body"`
		}{Body: ev.view(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-document-provisionally",
		Method:      http.MethodPost,
		Path:        "/documents/{document_id}/approve-provisionally",
		Summary:     "Grant a time-boxed provisional approval",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DocumentID string                     `path:"document_id"`
		Body       ProvisionalApprovalRequest `json:"body"`
	}) (*struct {
		Body documentView `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireRole(ctx, RoleValidator)
		if authErr != nil {
			return nil, authErr
		}
		incidentID := ""
		if input.Body.IncidentID != nil {
			incidentID = *input.Body.IncidentID
		}
		d, err := e.ApproveProvisionally(ctx, input.DocumentID, p.ActorID, input.Body.Justification, incidentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body documentView `json:"body"`
		}{Body: ev.view(d)}, nil
	})
}

func registerIncidents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-incident",
		Method:        http.MethodPost,
		Path:          "/incidents",
		Summary:       "Open an incident for a trip",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body OpenIncidentRequest `json:"body"`
	}) (*struct {
		Status int
		Body   domain.Incident `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inc, created, err := e.OpenIncident(ctx, engine.IncidentOpenOptions{
			TripID:         input.Body.TripID,
			Type:           input.Body.Type,
			Severity:       input.Body.Severity,
			Description:    input.Body.Description,
			AffectedDocIDs: input.Body.AffectedDocIDs,
			ReporterID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		return &struct {
			Status int
			Body   domain.Incident `json:"body"`
		}{Status: status, Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-incidents",
		Method:      http.MethodGet,
		Path:        "/incidents",
		Summary:     "List incidents",
	}, func(ctx context.Context, input *struct {
		TripID string `query:"trip_id"`
		Type   string `query:"type"`
		State  string `query:"state"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Incident `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListIncidents(ctx, repo.IncidentFilters{
			TripID: input.TripID,
			Type:   input.Type,
			State:  input.State,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Incident `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-incident",
		Method:      http.MethodGet,
		Path:        "/incidents/{incident_id}",
		Summary:     "Get incident",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IncidentID string `path:"incident_id"`
	}) (*struct {
		Body domain.Incident `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		inc, err := e.Repo.GetIncident(ctx, input.IncidentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Incident `json:"body"`
		}{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-incident",
		Method:      http.MethodPost,
		Path:        "/incidents/{incident_id}/claim",
		Summary:     "Claim an open incident",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		IncidentID string `path:"incident_id"`
	}) (*struct {
		Body domain.Incident `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inc, err := e.ClaimIncident(ctx, input.IncidentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Incident `json:"body"`
		}{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-incident",
		Method:      http.MethodPost,
		Path:        "/incidents/{incident_id}/resolve",
		Summary:     "Resolve an in-progress incident",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		IncidentID string                 `path:"incident_id"`
		Body       ResolveIncidentRequest `json:"body"`
	}) (*struct {
		Body domain.Incident `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inc, err := e.ResolveIncident(ctx, input.IncidentID, actorID, input.Body.ResolutionText)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Incident `json:"body"`
		}{Body: inc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-incident",
		Method:      http.MethodPost,
		Path:        "/incidents/{incident_id}/close",
		Summary:     "Close an incident",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		IncidentID string `path:"incident_id"`
	}) (*struct {
		Body domain.Incident `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		inc, err := e.CloseIncident(ctx, input.IncidentID, p.ActorID, p.HasRole(RoleCloser))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Incident `json:"body"`
		}{Body: inc}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-records",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit records",
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		Action     string `query:"action"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []domain.AuditRecord `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAuditRecords(ctx, repo.AuditFilters{
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			Action:     input.Action,
			Limit:      input.Limit,
			Cursor:     input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditRecord `json:"body"`
		}{Body: items}, nil
	})
}

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Run the document expiry sweep",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleCloser)
		if authErr != nil {
			return nil, authErr
		}
		swept, err := e.SweepExpirations(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"swept": swept}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
