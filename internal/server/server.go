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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig

	// MaxBodyBytes caps request bodies; zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

const DefaultMaxBodyBytes = 1 << 20

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_error"`
	Message string         `json:"message" example:"Documents is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stageline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema validation of the request itself
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable request body", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Stageline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCatalog(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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

// handleError maps engine and store errors onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		denied    *auth.UnauthorizedError
		failure   *engine.ValidationFailure
		conflict  *engine.ConcurrentModificationError
		closed    *engine.ProjectClosedError
		cfgErr    *engine.ConfigurationError
		missing   *engine.MissingAssignmentsError
		statusErr huma.StatusError
	)
	switch {
	case errors.As(err, &statusErr):
		return statusErr
	case errors.As(err, &failure):
		return resultError(failure.Result)
	case errors.As(err, &denied):
		return newAPIError(http.StatusForbidden, string(engine.KindUnauthorized), err.Error(), map[string]any{"from": denied.From, "to": denied.To})
	case errors.As(err, &conflict):
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), map[string]any{
			"expected_stage":   conflict.ExpectedStage,
			"actual_stage":     conflict.ActualStage,
			"expected_version": conflict.ExpectedVersion,
			"actual_version":   conflict.ActualVersion,
		})
	case errors.As(err, &closed):
		return newAPIError(http.StatusConflict, string(engine.KindProjectClosed), err.Error(), nil)
	case errors.Is(err, engine.ErrStageNotFinal):
		return newAPIError(http.StatusConflict, "stage_not_final", err.Error(), nil)
	case errors.As(err, &missing):
		return newAPIError(http.StatusUnprocessableEntity, "missing_assignments", err.Error(), map[string]any{"roles": missing.Roles})
	case errors.As(err, &cfgErr):
		return newAPIError(http.StatusInternalServerError, "configuration_error", err.Error(), map[string]any{"subject": cfgErr.Subject, "id": cfgErr.ID})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func resultError(res engine.ValidationResult) huma.StatusError {
	status := http.StatusUnprocessableEntity
	switch res.Kind {
	case engine.KindUnauthorized:
		status = http.StatusForbidden
	case engine.KindProjectClosed:
		status = http.StatusConflict
	}
	msg := string(res.Kind)
	if len(res.Errors) > 0 {
		msg = res.Errors[0].Message
	}
	details := map[string]any{"errors": res.Errors}
	if res.PendingApproval != nil {
		details["pending_approval"] = res.PendingApproval
	}
	return newAPIError(status, string(res.Kind), msg, details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_error"
	case http.StatusForbidden:
		return "unauthorized"
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
	// Routes are fixed once New returns, so the document is rendered once.
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "openapi document unavailable", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

// errorEnvelopeSchema documents the body every failed call returns.
var errorEnvelopeSchema = &huma.Schema{Type: huma.TypeObject, Properties: map[string]*huma.Schema{
	"error": {Type: huma.TypeObject, Properties: map[string]*huma.Schema{
		"code":    {Type: huma.TypeString},
		"message": {Type: huma.TypeString},
		"details": {Type: huma.TypeObject},
	}},
}}

// eachOperation calls fn for every operation in the document along with its route.
func eachOperation(oas *huma.OpenAPI, fn func(route string, op *huma.Operation)) {
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				fn(route, op)
			}
		}
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	eachOperation(oas, func(_ string, op *huma.Operation) {
		if op.Responses == nil {
			op.Responses = map[string]*huma.Response{}
		}
		op.Responses["default"] = &huma.Response{
			Description: "Error envelope",
			Content:     map[string]*huma.MediaType{"application/json": {Schema: errorEnvelopeSchema}},
		}
	})
}

// applyAuthSecurity marks every route as bearer protected except the ones
// the auth middleware lets through anonymously.
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	bearer := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = bearer
	eachOperation(oas, func(route string, op *huma.Operation) {
		switch route {
		case path.Join(basePath, "health"), path.Join(basePath, "auth/dev/login"):
			op.Security = []map[string][]string{}
		default:
			op.Security = bearer
		}
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stageline API Docs</title>
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

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/project-types/{project_type_id}/stages",
		Summary:     "List the stage graph of a project type",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectTypeID string `path:"project_type_id"`
	}) (*struct {
		Body []domain.Stage `json:"body"`
	}, error) {
		items, err := e.ListStages(ctx, input.ProjectTypeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Stage `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reasons",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}/reasons",
		Summary:     "List reasons for entering a stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body []domain.ChangeReason `json:"body"`
	}, error) {
		items, err := e.ListReasons(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChangeReason `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reason-fields",
		Method:      http.MethodGet,
		Path:        "/reasons/{reason_id}/fields",
		Summary:     "List the custom fields of a reason",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReasonID string `path:"reason_id"`
	}) (*struct {
		Body []domain.ReasonCustomField `json:"body"`
	}, error) {
		items, err := e.ListCustomFields(ctx, input.ReasonID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ReasonCustomField `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approval-fields",
		Method:      http.MethodGet,
		Path:        "/approvals/{approval_id}/fields",
		Summary:     "List the fields of an approval gate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
	}) (*struct {
		Body []domain.StageApprovalField `json:"body"`
	}, error) {
		items, err := e.ListApprovalFields(ctx, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StageApprovalField `json:"body"`
		}{Body: items}, nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if e.Policy.TierOf(actor.Role) != auth.Elevated {
			return nil, newAPIError(http.StatusForbidden, "unauthorized", "creating projects requires an elevated role", nil)
		}
		p, err := e.CreateProject(ctx, engine.CreateProjectOptions{
			ID:                input.Body.ID,
			ProjectTypeID:     input.Body.ProjectTypeID,
			Name:              input.Body.Name,
			CurrentAssigneeID: input.Body.CurrentAssigneeID,
			ClientManagerID:   input.Body.ClientManagerID,
			BookkeeperID:      input.Body.BookkeeperID,
			ActorID:           actor.ID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		ProjectTypeID string `query:"project_type_id"`
		Status        string `query:"status"`
		Open          bool   `query:"open"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx, repo.ProjectFilters{
			ProjectTypeID: input.ProjectTypeID,
			Status:        input.Status,
			OpenOnly:      input.Open,
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project with its stage timer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		timer, err := e.Timer(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: ProjectResponse{Project: p, Timer: timer}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-timer",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/timer",
		Summary:     "Business hours spent in the current stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body engine.StageTimer `json:"body"`
	}, error) {
		timer, err := e.Timer(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StageTimer `json:"body"`
		}{Body: timer}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-overdue",
		Method:      http.MethodGet,
		Path:        "/overdue",
		Summary:     "Open projects past their stage limit",
	}, func(ctx context.Context, input *struct {
		ProjectTypeID string `query:"project_type_id"`
	}) (*struct {
		Body []engine.StageTimer `json:"body"`
	}, error) {
		items, err := e.Overdue(ctx, input.ProjectTypeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.StageTimer `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/history",
		Summary:     "Transition audit trail, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.TransitionRecord `json:"body"`
	}, error) {
		recs, err := e.History(ctx, input.ProjectID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TransitionRecord `json:"body"`
		}{Body: recs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/complete",
		Summary:     "Close a project sitting in a final stage",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      *CompleteProjectRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status := ""
		if input.Body != nil {
			status = input.Body.Status
		}
		p, err := e.CompleteProject(ctx, input.ProjectID, actor, status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-legal-transitions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/transitions",
		Summary:     "Stages the caller may move the project to",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Stage `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListLegalTransitions(ctx, input.ProjectID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Stage `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-transition",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/transitions/validate",
		Summary:     "Dry-run a transition",
		Description: "Returns the validation result without changing state. A result with pending_approval lists the gate fields still to collect.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      TransitionBody `json:"body"`
	}) (*struct {
		Body engine.ValidationResult `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthenticated", "authentication required", nil)
		}
		res, err := e.ValidateTransition(ctx, input.Body.toEngine(input.ProjectID, p))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ValidationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "commit-transition",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/transitions",
		Summary:       "Validate and commit a transition",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      TransitionBody `json:"body"`
	}) (*struct {
		Body engine.CommitResult `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthenticated", "authentication required", nil)
		}
		res, err := e.Transition(ctx, input.Body.toEngine(input.ProjectID, p))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CommitResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent outbox events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,transition,pipeline"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, strings.TrimSpace(input.Body.Role), 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	buf, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return buf
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
