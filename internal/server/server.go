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
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"bountyline/internal/dispatch"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/logging"
	"bountyline/internal/metrics"
	"bountyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"pool_locked"`
	Message string         `json:"message" example:"pool p1: pool_locked"`
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

type out[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *out[T] {
	return &out[T]{Body: v}
}

// New returns an HTTP handler exposing the Bountyline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("server: dispatcher required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.OrNop(cfg.Logger).Named("http")
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are plain bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("Bountyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	api.OpenAPI().Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	group := huma.NewGroup(api, basePath)

	e, d := cfg.Engine, cfg.Dispatcher
	registerDocs(router, basePath)
	registerHealth(group)
	registerPools(group, e)
	registerLedger(group, e)
	registerParticipants(group, e)
	registerScores(group, e)
	registerDistribution(group, e, d)
	registerAllocations(group, e, d)
	registerIssues(group, d)
	registerAudit(group, e)
	registerEvents(group, e)
	registerOpenAPI(router, api, basePath)
	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
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
	var (
		cfgErr     domain.ConfigError
		inErr      domain.InputError
		stateErr   domain.StateError
		poolErr    domain.InsufficientPoolError
		railErr    domain.RailError
		reconErr   domain.ReconciliationError
		statusErr  huma.StatusError
		apiErrType *apiError
	)
	switch {
	case errors.As(err, &apiErrType):
		return apiErrType
	case errors.As(err, &cfgErr):
		return newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), map[string]any{"fields": cfgErr.Fields})
	case errors.As(err, &inErr):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": inErr.Field})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &stateErr):
		details := map[string]any{"entity": stateErr.Entity, "id": stateErr.ID}
		if stateErr.From != "" {
			details["from"] = stateErr.From
		}
		if stateErr.To != "" {
			details["to"] = stateErr.To
		}
		return newAPIError(http.StatusConflict, string(stateErr.Reason), err.Error(), details)
	case errors.As(err, &poolErr):
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_pool", err.Error(), map[string]any{
			"required":  poolErr.Required,
			"available": poolErr.Available,
		})
	case errors.As(err, &reconErr):
		return newAPIError(http.StatusConflict, "reconciliation_conflict", err.Error(), map[string]any{"issue_id": reconErr.IssueID})
	case errors.As(err, &railErr):
		return newAPIError(http.StatusBadGateway, "rail_"+string(railErr.Kind), err.Error(), map[string]any{"rail": railErr.Rail})
	case errors.Is(err, engine.ErrLedgerMismatch):
		return newAPIError(http.StatusInternalServerError, "ledger_mismatch", err.Error(), nil)
	case errors.As(err, &statusErr):
		return statusErr
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
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
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
    <title>Bountyline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Actor-Id.
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
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

func registerPools(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pool",
		Method:        http.MethodPost,
		Path:          "/pools",
		Summary:       "Create pool",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePoolRequest `json:"body"`
	}) (*out[domain.Pool], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePool(ctx, input.Body.poolConfig(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pools",
		Method:      http.MethodGet,
		Path:        "/pools",
		Summary:     "List pools",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"draft,open,locked,distributing,closed,cancelled"`
	}) (*out[[]domain.Pool], error) {
		items, err := e.ListPools(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pool",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}",
		Summary:     "Get pool",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*out[domain.Pool], error) {
		p, err := e.GetPool(ctx, input.PoolID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-pool-rules",
		Method:      http.MethodPut,
		Path:        "/pools/{pool_id}/rules",
		Summary:     "Replace the rule set of a draft pool",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PoolID string         `path:"pool_id"`
		Body   domain.RuleSet `json:"body"`
	}) (*out[domain.Pool], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateRules(ctx, input.PoolID, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-pool",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/transitions",
		Summary:     "Move a pool along its lifecycle",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PoolID string            `path:"pool_id"`
		Body   TransitionRequest `json:"body"`
	}) (*out[domain.Pool], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Transition(ctx, input.PoolID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-pool",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/cancel",
		Summary:     "Cancel a draft or open pool and refund its custody",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PoolID string        `path:"pool_id"`
		Body   CancelRequest `json:"body" required:"false"`
	}) (*out[domain.LedgerEntry], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.CancelPool(ctx, input.PoolID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(entry), nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-deposit",
		Method:        http.MethodPost,
		Path:          "/pools/{pool_id}/deposits",
		Summary:       "Record a deposit",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		PoolID string         `path:"pool_id"`
		Body   DepositRequest `json:"body"`
	}) (*out[domain.LedgerEntry], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.RecordDeposit(ctx, input.PoolID, input.Body.Amount, input.Body.Source, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ledger",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}/ledger",
		Summary:     "Ledger entries up to a sequence (0 for all)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID  string `path:"pool_id"`
		AsOfSeq int64  `query:"as_of_seq" minimum:"0"`
	}) (*out[[]domain.LedgerEntry], error) {
		items, err := e.LedgerEntries(ctx, input.PoolID, input.AsOfSeq)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}/balance",
		Summary:     "Balance folded from the ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID  string `path:"pool_id"`
		AsOfSeq int64  `query:"as_of_seq" minimum:"0"`
	}) (*out[domain.Balance], error) {
		b, err := e.Balance(ctx, input.PoolID, input.AsOfSeq)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-ledger",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}/verify",
		Summary:     "Replay the ledger and compare it with the pool totals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*out[domain.Balance], error) {
		b, err := e.VerifyLedger(ctx, input.PoolID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})
}

func registerParticipants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "register-participant",
		Method:      http.MethodPost,
		Path:        "/participants",
		Summary:     "Register or update a participant's payout method",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterParticipantRequest `json:"body"`
	}) (*out[domain.Participant], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RegisterParticipant(ctx, domain.Participant{
			ID:          input.Body.ID,
			Rail:        input.Body.Rail,
			Destination: input.Body.Destination,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/participants",
		Summary:     "List participants",
	}, func(ctx context.Context, _ *struct{}) (*out[[]domain.Participant], error) {
		items, err := e.ListParticipants(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})
}

func registerScores(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-scores",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/scores",
		Summary:     "Record judged scores",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PoolID string              `path:"pool_id"`
		Body   RecordScoresRequest `json:"body"`
	}) (*out[RecordScoresResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		recs := scoreRecords(input.PoolID, input.Body.Scores)
		if err := e.RecordScores(ctx, input.PoolID, recs, actorID); err != nil {
			return nil, handleError(err)
		}
		return reply(RecordScoresResponse{Recorded: len(recs)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}/submissions",
		Summary:     "Current submissions of a pool",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*out[[]domain.Submission], error) {
		items, err := e.Submissions(ctx, input.PoolID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})
}

func registerDistribution(api huma.API, e engine.Engine, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "start-distribution",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/distribution",
		Summary:     "Snapshot submissions, compute allocations and reserve funds",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*out[[]domain.Allocation], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		allocs, err := e.StartDistribution(ctx, input.PoolID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(allocs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "halt-distribution",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/distribution/halt",
		Summary:     "Cancel allocations that have not been dispatched",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*out[[]domain.Allocation], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		allocs, err := e.HaltDistribution(ctx, input.PoolID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(allocs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-lease",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/lease",
		Summary:     "Claim or renew the pool's distribution lease",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PoolID string            `path:"pool_id"`
		Body   ClaimLeaseRequest `json:"body" required:"false"`
	}) (*out[domain.Lease], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lease, err := e.ClaimLease(ctx, input.PoolID, actorID, time.Duration(input.Body.TTLSeconds)*time.Second)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(lease), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "release-lease",
		Method:        http.MethodDelete,
		Path:          "/pools/{pool_id}/lease",
		Summary:       "Release the pool's distribution lease",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ReleaseLease(ctx, input.PoolID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-pool",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/dispatch",
		Summary:     "Dispatch every pending allocation and close the pool when done",
		Errors:      append(mutationErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*out[dispatch.PoolReport], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := d.DispatchPool(ctx, input.PoolID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		report.Attempts = nonNil(report.Attempts)
		return reply(report), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-pool",
		Method:      http.MethodPost,
		Path:        "/pools/{pool_id}/reconcile",
		Summary:     "Apply rail outcomes and report disagreements",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*out[dispatch.ReconcileReport], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := d.Reconcile(ctx, input.PoolID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(report), nil
	})
}

func registerAllocations(api huma.API, e engine.Engine, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "list-allocations",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}/allocations",
		Summary:     "List allocations in rank order",
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
		Status string `query:"status" enum:"pending,dispatched,retrying,confirmed,failed,cancelled"`
	}) (*out[[]domain.Allocation], error) {
		items, err := e.ListAllocations(ctx, input.PoolID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attempts",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}/attempts",
		Summary:     "List payout attempts",
	}, func(ctx context.Context, input *struct {
		PoolID       string `path:"pool_id"`
		AllocationID string `query:"allocation_id"`
	}) (*out[[]domain.PayoutAttempt], error) {
		items, err := d.ListAttempts(ctx, input.PoolID, input.AllocationID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-allocation",
		Method:      http.MethodGet,
		Path:        "/allocations/{allocation_id}",
		Summary:     "Get allocation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AllocationID string `path:"allocation_id"`
	}) (*out[domain.Allocation], error) {
		a, err := e.GetAllocation(ctx, input.AllocationID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-allocation",
		Method:      http.MethodPost,
		Path:        "/allocations/{allocation_id}/dispatch",
		Summary:     "Dispatch one allocation",
		Errors:      append(mutationErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		AllocationID string `path:"allocation_id"`
	}) (*out[domain.PayoutAttempt], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		att, err := d.Dispatch(ctx, input.AllocationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(att), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-allocation",
		Method:      http.MethodPost,
		Path:        "/allocations/{allocation_id}/reopen",
		Summary:     "Start a new attempt chain for a failed allocation",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		AllocationID string `path:"allocation_id"`
	}) (*out[domain.Allocation], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := d.Reopen(ctx, input.AllocationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-allocation",
		Method:      http.MethodPost,
		Path:        "/allocations/{allocation_id}/acknowledge",
		Summary:     "Accept a failure and release its reserve",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		AllocationID string `path:"allocation_id"`
	}) (*out[domain.Allocation], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := d.Acknowledge(ctx, input.AllocationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})
}

func registerIssues(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}/issues",
		Summary:     "List reconciliation issues",
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
		Open   bool   `query:"open"`
	}) (*out[[]domain.ReconciliationIssue], error) {
		items, err := d.ListIssues(ctx, input.PoolID, input.Open)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/resolve",
		Summary:     "Record the operator's resolution of an issue",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		IssueID string              `path:"issue_id"`
		Body    ResolveIssueRequest `json:"body"`
	}) (*out[domain.ReconciliationIssue], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := d.ResolveIssue(ctx, input.IssueID, input.Body.Resolution, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(issue), nil
	})
}

type auditOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-audit",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}/audit",
		Summary:     "Point-in-time audit export",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID  string `path:"pool_id"`
		AsOfSeq int64  `query:"as_of_seq" minimum:"0"`
		Format  string `query:"format" enum:"json,yaml" default:"json"`
	}) (*auditOutput, error) {
		export, err := e.ExportAudit(ctx, input.PoolID, input.AsOfSeq)
		if err != nil {
			return nil, handleError(err)
		}
		format := input.Format
		if format == "" {
			format = "json"
		}
		data, err := engine.MarshalAudit(export, format)
		if err != nil {
			return nil, handleError(err)
		}
		contentType := "application/json"
		if format == "yaml" {
			contentType = "application/yaml"
		}
		return &auditOutput{ContentType: contentType, Body: data}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/pools/{pool_id}/events",
		Summary:     "List recent events of a pool",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PoolID     string `path:"pool_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"pool,ledger,allocation,participant,lease"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*out[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilter{
			PoolID:     input.PoolID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return reply(resp), nil
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
