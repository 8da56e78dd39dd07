package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reviewline/internal/app"
	"reviewline/internal/broker"
	"reviewline/internal/ingest"
)

// Config for the HTTP API handler.
type Config struct {
	Broker broker.Broker
	// Producer defaults to one appending to Broker.
	Producer *ingest.Producer
	// Driver names the broker backend in health responses.
	Driver   string
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"document has no text"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ingest and inspection API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Broker == nil {
		return nil, errors.New("server requires a broker")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Producer == nil {
		cfg.Producer = ingest.New(cfg.Broker)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Reviewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg)
	registerDocuments(group, cfg)
	registerTopics(group, cfg.Broker)
	registerSummary(group, cfg.Broker)
	registerPipeline(group, cfg.Broker)
	registerStream(group, cfg.Broker, cfg.Logger)
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
	switch {
	case errors.Is(err, ingest.ErrEmptyDocument):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, broker.ErrInvalidID):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, broker.ErrNoGroup):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, broker.ErrClosed), broker.IsTransient(err):
		return newAPIError(http.StatusServiceUnavailable, "broker_unavailable", "broker unavailable", map[string]any{"error": err.Error()})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "broker_unavailable"
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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

// applyAuthSecurity marks mutating operations as requiring a bearer token.
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
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = security
			}
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
    <title>Reviewline API Docs</title>
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
      Submitting documents requires Authorization: Bearer &lt;token&gt; when a JWT secret is configured.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		if _, err := cfg.Broker.Topics(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Broker: cfg.Driver}}, nil
	})
}

func registerDocuments(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Submit a document for review",
		Description:   "Text is split into one task per non-blank line. Without text, the given number of simulated chunks is submitted.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SubmitDocumentRequest `json:"body"`
	}) (*struct {
		Body ingest.Submission `json:"body"`
	}, error) {
		var (
			sub ingest.Submission
			err error
		)
		switch {
		case strings.TrimSpace(input.Body.Text) != "":
			sub, err = cfg.Producer.SubmitText(ctx, input.Body.DocID, input.Body.Text)
		case input.Body.Chunks > 0:
			sub, err = cfg.Producer.SubmitSimulated(ctx, input.Body.DocID, input.Body.Chunks)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text or chunks is required", nil)
		}
		if err != nil {
			cfg.Logger.Error("submit document failed", "doc_id", input.Body.DocID, "err", err)
			return nil, handleError(err)
		}
		if p, ok := principalFromContext(ctx); ok {
			cfg.Logger.Info("document submitted", "doc_id", sub.DocID, "chunks", sub.Chunks, "subject", p.Subject)
		} else {
			cfg.Logger.Info("document submitted", "doc_id", sub.DocID, "chunks", sub.Chunks)
		}
		return &struct {
			Body ingest.Submission `json:"body"`
		}{Body: sub}, nil
	})
}

func registerTopics(api huma.API, b broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID: "list-topics",
		Method:      http.MethodGet,
		Path:        "/topics",
		Summary:     "List topics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TopicResponse `json:"body"`
	}, error) {
		infos, err := b.Topics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TopicResponse, 0, len(infos))
		for _, info := range infos {
			out = append(out, topicResponse(info))
		}
		return &struct {
			Body []TopicResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-topic-entries",
		Method:      http.MethodGet,
		Path:        "/topics/{topic}/entries",
		Summary:     "Newest entries of a topic",
	}, func(ctx context.Context, input *struct {
		Topic string `path:"topic"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EntryResponse `json:"body"`
	}, error) {
		msgs, err := b.Latest(ctx, input.Topic, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EntryResponse `json:"body"`
		}{Body: entryResponses(msgs)}, nil
	})
}

func registerSummary(api huma.API, b broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID: "list-summary",
		Method:      http.MethodGet,
		Path:        "/summary",
		Summary:     "Aggregated findings, newest first",
	}, func(ctx context.Context, input *struct {
		DocID string `query:"doc_id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []app.SummaryItem `json:"body"`
	}, error) {
		items, err := app.Summaries(ctx, b, normalizeLimit(input.Limit), input.DocID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []app.SummaryItem `json:"body"`
		}{Body: items}, nil
	})
}

func registerPipeline(api huma.API, b broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID: "pipeline-status",
		Method:      http.MethodGet,
		Path:        "/pipeline",
		Summary:     "Consumer group backlog per topic",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []app.GroupStatus `json:"body"`
	}, error) {
		status, err := app.PipelineStatus(ctx, b)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []app.GroupStatus `json:"body"`
		}{Body: status}, nil
	})
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
