// Package server exposes the HTTP surface: the gateway start endpoint, the
// orchestrator's callbacks and queries, and the worker endpoints. One process
// hosts all of them; the split stays visible in the routes so workers can be
// peeled off behind their own URLs later.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"refinery/internal/analyzer"
	"refinery/internal/blob"
	"refinery/internal/evaluator"
	"refinery/internal/generator"
	"refinery/internal/orchestrator"
	"refinery/internal/protocol"
	"refinery/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    *orchestrator.Engine
	Generator *generator.Worker
	Analyzer  *analyzer.Worker
	Evaluator *evaluator.Evaluator
	Blob      blob.Store
	BasePath  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"artifact_id is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Refinery API.
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
	hcfg := huma.DefaultConfig("Refinery API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerGateway(group, cfg.Engine)
	registerOrchestrator(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerGenerator(group, cfg.Generator)
	registerAnalyzer(group, cfg.Analyzer)
	registerEvaluator(group, cfg.Evaluator, cfg.Blob)

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
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerGateway(api huma.API, e *orchestrator.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "start-project",
		Method:      http.MethodPost,
		Path:        "/start",
		Summary:     "Start a refinement project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body protocol.StartRequest `json:"body"`
	}) (*struct {
		Body protocol.StartResponse `json:"body"`
	}, error) {
		p, err := e.StartProject(ctx, input.Body.SpecContentB64, input.Body.ScorecardContentB64, input.Body.Termination)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body protocol.StartResponse `json:"body"`
		}{Body: protocol.StartResponse{
			ProjectID:      p.ID,
			StatusEndpoint: "/projects/" + p.ID + "/status",
		}}, nil
	})
}

func registerOrchestrator(api huma.API, e *orchestrator.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "report-generation",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/report/generation",
		Summary:     "Reconcile a generation callback",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                           `path:"project_id"`
		Body      protocol.ReportGenerationRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.ReportGeneration(ctx, input.ProjectID, input.Body); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "acknowledged"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-analysis",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/report/analysis",
		Summary:     "Reconcile an analysis callback",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                         `path:"project_id"`
		Body      protocol.ReportAnalysisRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.ReportAnalysis(ctx, input.ProjectID, input.Body); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "acknowledged"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		st, err := e.GetStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/approve",
		Summary:     "Approve proposed learnings",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      protocol.ApproveRequest `json:"body"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if err := e.Approve(ctx, input.ProjectID, input.Body.HumanGuidanceR2Path); err != nil {
			return nil, handleError(err)
		}
		st, err := e.GetStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(st)}, nil
	})
}

func registerEvents(api huma.API, e *orchestrator.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Project audit log",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    int64  `query:"cursor"`
		Type      string `query:"type"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, input.Cursor, input.ProjectID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = items[limit-1].ID
			items = items[:limit]
		}
		resp.Items = mapEvents(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerGenerator(api huma.API, w *generator.Worker) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate",
		Method:        http.MethodPost,
		Path:          "/generate",
		Summary:       "Accept a generation job",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body protocol.GenerateRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := w.Accept(input.Body); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "accepted"}}, nil
	})
}

func registerAnalyzer(api huma.API, w *analyzer.Worker) {
	huma.Register(api, huma.Operation{
		OperationID:   "analyze",
		Method:        http.MethodPost,
		Path:          "/analyze",
		Summary:       "Accept a wave analysis job",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body protocol.AnalyzeRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := w.Accept(input.Body); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "accepted"}}, nil
	})
}

func registerEvaluator(api huma.API, ev *evaluator.Evaluator, store blob.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate",
		Method:      http.MethodPost,
		Path:        "/evaluate",
		Summary:     "Score one artifact under a scorecard",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body protocol.EvaluationRequest `json:"body"`
	}) (*struct {
		Body protocol.EvaluationResponse `json:"body"`
	}, error) {
		if input.Body.ArtifactPath == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "artifact_path is required", nil)
		}
		data, err := store.Get(input.Body.ArtifactPath)
		if err != nil {
			return nil, handleError(err)
		}
		res := ev.Evaluate(ctx, data, input.Body.Scorecard)
		details, err := marshalDetails(res.Details)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body protocol.EvaluationResponse `json:"body"`
		}{Body: protocol.EvaluationResponse{
			QualityScore: res.QualityScore,
			Details:      details,
		}}, nil
	})
}
