package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"agentrelay/internal/app"
	"agentrelay/internal/config"
	"agentrelay/internal/ctxstore"
	"agentrelay/internal/domain"
	"agentrelay/internal/engine"
	"agentrelay/internal/engine/autonomy"
	"agentrelay/internal/metrics"
)

// Config for the HTTP API handler.
type Config struct {
	Engine  *engine.Engine
	Dial    *autonomy.Dial
	Checker *autonomy.Checker
	Context *ctxstore.Store
	Metrics *metrics.Recorder
	Logger  *zap.Logger

	BasePath  string
	Auth      AuthConfig
	Webhooks  WebhookConfig
	RateLimit RateLimitConfig
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// ConfigFromApp derives the handler config from a wired app.
func ConfigFromApp(a *app.App) Config {
	c := a.Config
	return Config{
		Engine:   a.Engine,
		Dial:     a.Dial,
		Checker:  a.Checker,
		Context:  a.Context,
		Metrics:  a.Metrics,
		Logger:   a.Logger,
		BasePath: c.Server.BasePath,
		Auth: AuthConfig{
			JWTSecret:              c.Auth.JWTSecret,
			APIKeys:                c.Auth.APIKeys,
			AllowLegacyActorHeader: c.Auth.AllowLegacyActorHeader,
			LegacyPermissions:      c.Auth.LegacyPermissions,
		},
		Webhooks: WebhookConfig{
			GitHubSecret:    c.Webhooks.GitHub.Secret,
			DefaultSLAHours: c.Webhooks.GitHub.DefaultSLAHours,
			DefaultToAgent:  c.Webhooks.GitHub.DefaultToAgent,
		},
		RateLimit: RateLimitConfig{RPS: c.Server.RateLimit.RPS, Burst: c.Server.RateLimit.Burst},
	}
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition: pending -> completed is not allowed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"pending\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the relay API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil || cfg.Dial == nil || cfg.Checker == nil || cfg.Context == nil {
		return nil, errors.New("server: engine, dial, checker and context store are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	logger := cfg.Logger.With(zap.String("component", "http"))

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(accessLog(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit.RPS) + 1
		}
		router.Use(newRateLimiter(cfg.RateLimit.RPS, burst).middleware)
	}

	hcfg := huma.DefaultConfig("Agent Relay API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", cfg.Metrics.Handler())
	if cfg.Webhooks.GitHubSecret == "" {
		logger.Warn("github webhook secret not set, deliveries will be refused")
	}
	router.Post(path.Join(basePath, "webhooks/github"), newGitHubWebhook(cfg.Engine, cfg.Webhooks, cfg.Metrics, logger).ServeHTTP)
	registerHealth(group)
	registerHandoffs(group, cfg.Engine)
	registerContext(group, cfg.Engine, cfg.Context)
	registerGovernance(group, cfg.Dial, cfg.Checker)
	registerSpec(router, api, basePath)

	return router, nil
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
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
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from":     te.From,
			"to":       te.To,
			"terminal": te.Terminal,
		})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrSchemaRejected):
		return newAPIError(http.StatusUnprocessableEntity, "schema_rejected", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func notFound(kind, id string) huma.StatusError {
	return newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("%s %s not found", kind, id), nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

var standardErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
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

type handoffPath struct {
	ID string `path:"id"`
}

type handoffOutput struct {
	Body HandoffResponse
}

func registerHandoffs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-handoff",
		Method:        http.MethodPost,
		Path:          "/handoffs",
		Summary:       "Create handoff",
		DefaultStatus: http.StatusCreated,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateHandoffRequest
	}) (*handoffOutput, error) {
		actor, authErr := requirePermission(ctx, config.PermHandoffWrite)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Task) == "" {
			return nil, handleError(domain.InvalidArgument("task is required"))
		}
		in := input.Body.input()
		if in.FromAgent == nil {
			in.FromAgent = &actor
		}
		h, err := e.CreateHandoff(ctx, in, input.Body.Metadata)
		if err != nil {
			return nil, handleError(err)
		}
		return &handoffOutput{Body: handoffResponse(e, h)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-handoffs",
		Method:      http.MethodGet,
		Path:        "/handoffs",
		Summary:     "List handoffs",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status"`
		State       string `query:"state" doc:"Deprecated alias of status"`
		ToAgent     string `query:"to_agent"`
		FromAgent   string `query:"from_agent"`
		Repository  string `query:"repository"`
		IssueNumber int    `query:"issue_number"`
	}) (*struct {
		Body HandoffListResponse
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermHandoffRead); authErr != nil {
			return nil, authErr
		}
		f := engine.ListFilter{
			Status:     statusQuery(input.Status, input.State),
			ToAgent:    input.ToAgent,
			FromAgent:  input.FromAgent,
			Repository: input.Repository,
		}
		if input.IssueNumber > 0 {
			n := input.IssueNumber
			f.IssueNumber = &n
		}
		items, err := e.ListHandoffs(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := HandoffListResponse{Items: make([]HandoffResponse, 0, len(items)), Count: len(items)}
		for _, h := range items {
			out.Items = append(out.Items, handoffResponse(e, h))
		}
		return &struct {
			Body HandoffListResponse
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "handoff-stats",
		Method:      http.MethodGet,
		Path:        "/handoffs/stats",
		Summary:     "Aggregate handoff statistics",
		Errors:      standardErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Stats
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermHandoffRead); authErr != nil {
			return nil, authErr
		}
		st, err := e.GetHandoffStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Stats
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-handoff",
		Method:      http.MethodGet,
		Path:        "/handoffs/{id}",
		Summary:     "Get handoff",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *handoffPath) (*handoffOutput, error) {
		if _, authErr := requirePermission(ctx, config.PermHandoffRead); authErr != nil {
			return nil, authErr
		}
		h, err := e.GetHandoff(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if h == nil {
			return nil, notFound("handoff", input.ID)
		}
		return &handoffOutput{Body: handoffResponse(e, *h)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-handoff",
		Method:      http.MethodPatch,
		Path:        "/handoffs/{id}",
		Summary:     "Update handoff fields",
		Description: "Changes non-state fields. State changes go through the transition endpoints.",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		handoffPath
		Body UpdateHandoffRequest
	}) (*handoffOutput, error) {
		if _, authErr := requirePermission(ctx, config.PermHandoffWrite); authErr != nil {
			return nil, authErr
		}
		h, err := e.UpdateHandoff(ctx, input.ID, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		if h == nil {
			return nil, notFound("handoff", input.ID)
		}
		return &handoffOutput{Body: handoffResponse(e, *h)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-handoff",
		Method:      http.MethodPost,
		Path:        "/handoffs/{id}/accept",
		Summary:     "Accept handoff",
		Errors:      append(standardErrors, http.StatusConflict),
	}, func(ctx context.Context, input *struct {
		handoffPath
		Body *AcceptHandoffRequest `required:"false"`
	}) (*handoffOutput, error) {
		actor, authErr := requirePermission(ctx, config.PermHandoffWrite)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.AcceptHandoff(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		if h == nil {
			return nil, notFound("handoff", input.ID)
		}
		if input.Body != nil && input.Body.CommentID != nil {
			h, err = e.UpdateHandoff(ctx, input.ID, engine.UpdateInput{AcceptedCommentID: input.Body.CommentID})
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &handoffOutput{Body: handoffResponse(e, *h)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-handoff",
		Method:      http.MethodPost,
		Path:        "/handoffs/{id}/complete",
		Summary:     "Complete handoff",
		Description: "Pending handoffs pass through active first.",
		Errors:      append(standardErrors, http.StatusConflict),
	}, func(ctx context.Context, input *struct {
		handoffPath
		Body *CompleteHandoffRequest `required:"false"`
	}) (*handoffOutput, error) {
		if _, authErr := requirePermission(ctx, config.PermHandoffWrite); authErr != nil {
			return nil, authErr
		}
		var req CompleteHandoffRequest
		if input.Body != nil {
			req = *input.Body
		}
		h, err := e.CompleteHandoff(ctx, input.ID, req.Outputs)
		if err != nil {
			return nil, handleError(err)
		}
		if h == nil {
			return nil, notFound("handoff", input.ID)
		}
		if req.CommentID != nil {
			h, err = e.UpdateHandoff(ctx, input.ID, engine.UpdateInput{CompletedCommentID: req.CommentID})
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &handoffOutput{Body: handoffResponse(e, *h)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-handoff",
		Method:      http.MethodPost,
		Path:        "/handoffs/{id}/fail",
		Summary:     "Fail handoff",
		Errors:      append(standardErrors, http.StatusConflict),
	}, func(ctx context.Context, input *struct {
		handoffPath
		Body *FailHandoffRequest `required:"false"`
	}) (*handoffOutput, error) {
		if _, authErr := requirePermission(ctx, config.PermHandoffWrite); authErr != nil {
			return nil, authErr
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		h, err := e.FailHandoff(ctx, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &handoffOutput{Body: handoffResponse(e, h)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-handoff",
		Method:      http.MethodPost,
		Path:        "/handoffs/{id}/abandon",
		Summary:     "Abandon handoff",
		Errors:      append(standardErrors, http.StatusConflict),
	}, func(ctx context.Context, input *struct {
		handoffPath
		Body *FailHandoffRequest `required:"false"`
	}) (*handoffOutput, error) {
		if _, authErr := requirePermission(ctx, config.PermHandoffWrite); authErr != nil {
			return nil, authErr
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		h, err := e.AbandonHandoff(ctx, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &handoffOutput{Body: handoffResponse(e, h)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-handoff",
		Method:      http.MethodPost,
		Path:        "/handoffs/{id}/transition",
		Summary:     "Transition handoff",
		Errors:      append(standardErrors, http.StatusConflict),
	}, func(ctx context.Context, input *struct {
		handoffPath
		Body TransitionHandoffRequest
	}) (*struct {
		Body TransitionResponse
	}, error) {
		actor, authErr := requirePermission(ctx, config.PermHandoffWrite)
		if authErr != nil {
			return nil, authErr
		}
		to, err := parseStatus(input.Body.To)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.TransitionHandoff(ctx, input.ID, to, engine.TransitionOptions{
			Reason:      input.Body.Reason,
			TriggeredBy: actor,
			Metadata:    input.Body.Metadata,
			CommentID:   input.Body.CommentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse
		}{Body: TransitionResponse{Handoff: handoffResponse(e, res.Handoff), StateChange: res.StateChange}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "handoff-history",
		Method:      http.MethodGet,
		Path:        "/handoffs/{id}/history",
		Summary:     "State change history",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *handoffPath) (*struct {
		Body HistoryResponse
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermHandoffRead); authErr != nil {
			return nil, authErr
		}
		items, err := e.GetStateChangeHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse
		}{Body: HistoryResponse{HandoffID: input.ID, Items: items}}, nil
	})
}

func registerContext(api huma.API, e *engine.Engine, store *ctxstore.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "attach-context",
		Method:        http.MethodPost,
		Path:          "/handoffs/{id}/context",
		Summary:       "Attach structured context",
		DefaultStatus: http.StatusCreated,
		Errors:        append(standardErrors, http.StatusUnprocessableEntity),
	}, func(ctx context.Context, input *struct {
		handoffPath
		Body AttachContextRequest
	}) (*struct {
		Body domain.ContextAttachment
	}, error) {
		actor, authErr := requirePermission(ctx, config.PermContextWrite)
		if authErr != nil {
			return nil, authErr
		}
		a, err := store.Attach(ctx, input.ID, input.Body.Kind, input.Body.Data, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContextAttachment
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-context",
		Method:      http.MethodGet,
		Path:        "/handoffs/{id}/context",
		Summary:     "List attached context",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		handoffPath
		Kind string `query:"kind"`
	}) (*struct {
		Body ContextListResponse
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermContextRead); authErr != nil {
			return nil, authErr
		}
		h, err := e.GetHandoff(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if h == nil {
			return nil, notFound("handoff", input.ID)
		}
		items, err := store.List(ctx, input.ID, input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContextListResponse
		}{Body: ContextListResponse{HandoffID: input.ID, Kinds: store.Kinds(), Items: items}}, nil
	})
}
