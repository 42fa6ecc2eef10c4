package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gigline/internal/engine"
	"gigline/internal/migrate"
	"gigline/internal/repo"
)

// Config for the HTTP read API. The engine's mutations stay behind the
// CLI; the API exposes state, the ledger and the event feed an external
// indexer consumes.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"operation not valid in current job state"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gigline read API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gigline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerProfiles(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrUnauthorized), errors.Is(err, engine.ErrMissingCapability):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrInvalidMilestoneState),
		errors.Is(err, engine.ErrAlreadyReleased),
		errors.Is(err, engine.ErrDuplicateApplication),
		errors.Is(err, engine.ErrSelfApplication),
		errors.Is(err, engine.ErrNotAnApplicant):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidDeadline),
		errors.Is(err, engine.ErrInvalidRating),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrBudgetExceeded):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
    <title>Gigline API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Marketplace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		counts, err := e.Repo.CountJobsByState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		latest, err := e.Repo.LatestEventID(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		version, err := migrate.Version(e.DB)
		if err != nil {
			return nil, handleError(err)
		}
		marketplace := ""
		if e.Config != nil {
			marketplace = e.Config.Marketplace.ID
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Marketplace:   marketplace,
			SchemaVersion: version,
			JobCounts:     counts,
			LatestEventID: latest,
		}}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Client     string `query:"client"`
		Freelancer string `query:"freelancer"`
		State      string `query:"state" enum:",open,assigned,in_progress,submitted,completed,cancelled,cancelled_with_freelancer"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		filters := repo.JobFilters{
			Client:     input.Client,
			Freelancer: input.Freelancer,
			State:      input.State,
			Limit:      limit + 1,
		}
		if input.Cursor != "" {
			createdAt, id, ok := strings.Cut(input.Cursor, "|")
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		items, err := e.Repo.ListJobs(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedJobs{Items: []JobResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = last.CreatedAt + "|" + last.ID
			items = items[:limit]
		}
		for _, j := range items {
			resp.Items = append(resp.Items, jobResponse(j))
		}
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		j, err := e.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/milestones",
		Summary:     "List job milestones",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body []MilestoneResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetJob(ctx, input.JobID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMilestones(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]MilestoneResponse, 0, len(items))
		for _, m := range items {
			resp = append(resp, milestoneResponse(m))
		}
		return &struct {
			Body []MilestoneResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applicants",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/applicants",
		Summary:     "List job applicants",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body []ApplicantResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetJob(ctx, input.JobID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListApplicants(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]ApplicantResponse, 0, len(items))
		for _, a := range items {
			resp = append(resp, applicantResponse(a))
		}
		return &struct {
			Body []ApplicantResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ledger",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/ledger",
		Summary:     "List job ledger entries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body []LedgerEntryResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetJob(ctx, input.JobID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListLedgerEntries(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]LedgerEntryResponse, 0, len(items))
		for _, le := range items {
			resp = append(resp, ledgerEntryResponse(le))
		}
		return &struct {
			Body []LedgerEntryResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerProfiles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/{address}",
		Summary:     "Get profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProfile(ctx, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{address}",
		Summary:     "Get account balance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAccount(ctx, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(a)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		JobID      string `query:"job_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:",job,milestone,applicant,profile,account"`
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.JobID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "events-feed",
		Method:      http.MethodGet,
		Path:        "/events/feed",
		Summary:     "Events in insertion order from a cursor",
		Description: "Ascending feed for indexers. Poll with the last seen id as cursor.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		JobID  string `query:"job_id"`
		Limit  int    `query:"limit" default:"100"`
		Cursor int64  `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.EventsAfter(ctx, limit, input.Cursor, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if n := len(items); n > 0 {
			resp.NextCursor = fmt.Sprintf("%d", items[n-1].ID)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
