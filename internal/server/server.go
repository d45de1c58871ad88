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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"phabbridge/internal/bridge"
	"phabbridge/internal/domain"
	"phabbridge/internal/engine"
	"phabbridge/internal/engine/auth"
	"phabbridge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_configured"`
	Message string         `json:"message" example:"Phabricator plugin is not configured"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"task_id\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the plugin API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	hcfg := huma.DefaultConfig("Phabricator IssueBridge API", bridge.Version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPlugin(group, cfg.Engine)
	registerOptions(group, cfg.Engine)
	registerFields(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve *bridge.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", ve.Message, map[string]any{"field": ve.Field})
	}
	var ce *bridge.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "not_configured", ce.Error(), nil)
	}
	var nf *bridge.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", nf.Error(), map[string]any{"kind": nf.Kind, "key": nf.Key})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var rae *bridge.RemoteAPIError
	if errors.As(err, &rae) {
		return newAPIError(http.StatusUnprocessableEntity, "remote_api_error", rae.Error(), map[string]any{"remote_code": rae.Code})
	}
	var ru *bridge.RemoteUnreachableError
	if errors.As(err, &ru) {
		return newAPIError(http.StatusBadGateway, "remote_unreachable", ru.Error(), nil)
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	healthPath := path.Join("/", basePath, "health")
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
    <title>Phabricator IssueBridge API Docs</title>
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

func registerPlugin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "plugin-info",
		Method:      http.MethodGet,
		Path:        "/plugin",
		Summary:     "Plugin metadata",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body bridge.PluginInfo `json:"body"`
	}, error) {
		return &struct {
			Body bridge.PluginInfo `json:"body"`
		}{Body: bridge.Info()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plugin-config-fields",
		Method:      http.MethodGet,
		Path:        "/plugin/config-fields",
		Summary:     "Per-project configuration form",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FieldsResponse `json:"body"`
	}, error) {
		return &struct {
			Body FieldsResponse `json:"body"`
		}{Body: FieldsResponse{Fields: e.ConfigFields()}}, nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerOptions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-options",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/options",
		Summary:     "Get project options",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body OptionsResponse `json:"body"`
	}, error) {
		opts, err := e.ProjectOptions(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OptionsResponse `json:"body"`
		}{Body: optionsResponse(opts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-options",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/options",
		Summary:     "Set project options",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      OptionsRequest `json:"body"`
	}) (*struct {
		Body OptionsResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		opts, err := e.SetProjectOptions(ctx, domain.ProjectOptions{
			ProjectID:    input.ProjectID,
			Host:         input.Body.Host,
			Token:        input.Body.Token,
			ProjectPHIDs: input.Body.ProjectPHIDs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OptionsResponse `json:"body"`
		}{Body: optionsResponse(opts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-options",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/options",
		Summary:       "Delete project options",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		if err := e.DeleteProjectOptions(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "is-configured",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/configured",
		Summary:     "Whether the project has a host and token",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ConfiguredResponse `json:"body"`
	}, error) {
		ok, err := e.IsConfigured(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfiguredResponse `json:"body"`
		}{Body: ConfiguredResponse{ProjectID: input.ProjectID, Configured: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "connection-check",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/connection-check",
		Summary:     "Verify host and token against Conduit",
		Errors:      []int{http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body engine.ConnectionCheck `json:"body"`
	}, error) {
		res, err := e.CheckConnection(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ConnectionCheck `json:"body"`
		}{Body: res}, nil
	})
}

func registerFields(api huma.API, e engine.Engine) {
	type fieldsInput struct {
		ProjectID string        `path:"project_id"`
		Body      FieldsRequest `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "create-issue-fields",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/issue-fields/create",
		Summary:     "New task form",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *fieldsInput) (*struct {
		Body FieldsResponse `json:"body"`
	}, error) {
		fields, err := e.CreateFields(ctx, input.ProjectID, input.Body.Group.toDomain(), input.Body.Event.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FieldsResponse `json:"body"`
		}{Body: FieldsResponse{Fields: fields}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-issue-fields",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/issue-fields/link",
		Summary:     "Link existing task form",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *fieldsInput) (*struct {
		Body FieldsResponse `json:"body"`
	}, error) {
		fields, err := e.LinkFields(ctx, input.ProjectID, input.Body.Group.toDomain(), input.Body.Event.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FieldsResponse `json:"body"`
		}{Body: FieldsResponse{Fields: fields}}, nil
	})
}

func linkDisplay(l domain.IssueLink) engine.IssueDisplay {
	ref := domain.StructuredRef(l.Issue())
	return engine.IssueDisplay{ID: l.IssueID, URL: l.IssueURL, Label: bridge.IssueLabel(ref)}
}

func registerIssues(api huma.API, e engine.Engine) {
	issueErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusBadGateway,
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/issues",
		Summary:       "Create a Maniphest task for a group",
		DefaultStatus: http.StatusCreated,
		Errors:        issueErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		link, err := e.CreateIssue(ctx, input.ProjectID, input.Body.Group.toDomain(), input.Body.Form.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(link, linkDisplay(link))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-issue",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/issues/link",
		Summary:     "Link an existing Maniphest task to a group",
		Errors:      issueErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      LinkIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		link, err := e.LinkIssue(ctx, input.ProjectID, input.Body.Group.toDomain(), input.Body.Form.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(link, linkDisplay(link))}, nil
	})

	type groupPath struct {
		ProjectID string `path:"project_id"`
		GroupID   string `path:"group_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-group-issue",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/groups/{group_id}/issue",
		Summary:     "Issue linked to a group",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *groupPath) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		link, err := e.GroupIssue(ctx, input.ProjectID, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(link, linkDisplay(link))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unlink-group-issue",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/groups/{group_id}/issue",
		Summary:       "Unlink the issue of a group",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *groupPath) (*struct{}, error) {
		if err := e.UnlinkIssue(ctx, input.ProjectID, input.GroupID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-display",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/issue-display",
		Summary:     "Label and URL of a stored issue reference",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      IssueDisplayRequest `json:"body"`
	}) (*struct {
		Body engine.IssueDisplay `json:"body"`
	}, error) {
		res, err := e.IssueDisplay(ctx, input.ProjectID, input.Body.ref())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IssueDisplay `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,group,api_key"`
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
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
