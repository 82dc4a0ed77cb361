package server

import (
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

	"dealdesk/internal/automation"
	"dealdesk/internal/changelog"
	"dealdesk/internal/config"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Runner   *automation.Runner
	BasePath string
	Auth     AuthConfig

	// Context bounds the background workers (outbound webhook poller).
	// nil means they run for the process lifetime.
	Context context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_write"`
	Message string         `json:"message" example:"stale write: version mismatch"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Dealdesk API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Dealdesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPipelines(group, cfg.Engine)
	registerBoard(group, cfg.Engine)
	registerCards(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerComments(group, cfg.Engine)
	registerAttachments(group, cfg.Engine)
	registerAutomations(group, cfg.Engine, cfg.Runner)
	registerChangelog(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerLeadWebhook(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	workerCtx := cfg.Context
	if workerCtx == nil {
		workerCtx = context.Background()
	}
	startWebhookDispatcher(workerCtx, cfg.Engine)

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
	var it engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"pipeline_id": it.PipelineID,
			"stage":       it.StageSlug,
		})
	}
	if errors.Is(err, repo.ErrStaleWrite) {
		return newAPIError(http.StatusConflict, "stale_write", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "still holds"),
		strings.Contains(lowered, "already been reopened"),
		strings.Contains(lowered, "only open"),
		strings.Contains(lowered, "only done"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "required"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "empty"),
		strings.Contains(lowered, "duplicate"),
		strings.Contains(lowered, "not settable"),
		strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusUnauthorized:
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "webhooks/leads"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Dealdesk API Docs</title>
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

func registerPipelines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines",
		Summary:       "Create pipeline",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreatePipelineRequest `json:"body"`
	}) (*struct {
		Body domain.Pipeline `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePipeline(ctx, engine.PipelineCreateOptions{
			Name:      input.Body.Name,
			Stages:    stageConfigs(input.Body.Stages),
			IsDefault: input.Body.IsDefault,
			Actor:     actor,
			ActorType: changelog.ActorAPI,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pipeline `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/pipelines",
		Summary:     "List pipelines",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Pipeline `json:"body"`
	}, error) {
		items, err := e.Repo.ListPipelines(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Pipeline `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}",
		Summary:     "Get pipeline with stages",
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body domain.Pipeline `json:"body"`
	}, error) {
		p, err := e.Repo.GetPipeline(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pipeline `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-pipeline-stages",
		Method:      http.MethodPut,
		Path:        "/pipelines/{pipeline_id}/stages",
		Summary:     "Replace pipeline stages",
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
		Body       struct {
			Stages []StageRequest `json:"stages"`
		} `json:"body"`
	}) (*struct {
		Body domain.Pipeline `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdatePipelineStages(ctx, input.PipelineID, stageConfigs(input.Body.Stages), actor, changelog.ActorAPI)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pipeline `json:"body"`
		}{Body: p}, nil
	})
}

// BoardColumn is one kanban column: the stage plus its cards in display
// order.
type BoardColumn struct {
	Stage domain.Stage  `json:"stage"`
	Cards []domain.Card `json:"cards"`
}

func registerBoard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/board",
		Summary:     "Kanban board view",
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body []BoardColumn `json:"body"`
	}, error) {
		p, err := e.Repo.GetPipeline(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		columns := make([]BoardColumn, 0, len(p.Stages))
		for _, s := range p.Stages {
			cards, err := e.Repo.ListCards(ctx, repo.CardFilters{PipelineID: p.ID, StageSlug: s.Slug})
			if err != nil {
				return nil, handleError(err)
			}
			columns = append(columns, BoardColumn{Stage: s, Cards: cards})
		}
		return &struct {
			Body []BoardColumn `json:"body"`
		}{Body: columns}, nil
	})
}

func stageConfigs(reqs []StageRequest) []config.StageConfig {
	out := make([]config.StageConfig, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, config.StageConfig{
			Slug:        r.Slug,
			Name:        r.Name,
			Initial:     r.Initial,
			Terminal:    r.Terminal,
			Probability: r.Probability,
		})
	}
	return out
}
