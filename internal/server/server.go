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

	"escrowline/internal/audit"
	"escrowline/internal/engine"
	"escrowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"cannot release milestone 2 of job 1 in state \"pending\""`
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

// New returns an HTTP handler exposing the Escrowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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

	codes := newCodeStore(cfg.Auth.CodeTTL, 0)

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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Escrowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Auth, cfg.Engine, codes)
	registerWallet(group)
	registerJobs(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
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

// handleError maps engine errors onto the envelope. Invalid state carries
// the actual current state so clients can resynchronize.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var policyErr *engine.PolicyRejectedError
	if errors.As(err, &policyErr) {
		return newAPIError(http.StatusUnprocessableEntity, "policy_rejected", err.Error(), map[string]any{"category": policyErr.Category})
	}
	var attErr *engine.InvalidAttestationError
	if errors.As(err, &attErr) {
		return newAPIError(http.StatusForbidden, "invalid_attestation", err.Error(), map[string]any{"schema": attErr.Schema})
	}
	var stateErr *engine.InvalidStateError
	if errors.As(err, &stateErr) {
		details := map[string]any{"current_state": stateErr.Current, "job_id": stateErr.JobID}
		if stateErr.MilestoneID != 0 {
			details["milestone_id"] = stateErr.MilestoneID
		}
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), details)
	}
	var schedErr *engine.InvalidScheduleError
	if errors.As(err, &schedErr) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_schedule", err.Error(), nil)
	}
	var amountErr *engine.AmountMismatchError
	if errors.As(err, &amountErr) {
		return newAPIError(http.StatusUnprocessableEntity, "amount_mismatch", err.Error(), map[string]any{"expected": amountErr.Expected, "got": amountErr.Got})
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

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Escrowline API Docs</title>
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

func registerJobs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create job from signed terms",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body CreateJobResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		client, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		sig, err := parseSignature(input.Body.Signature)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		complianceMode := e.Config.Policy.ComplianceDefault
		if p, ok := principalFromContext(ctx); ok && p.ComplianceMode != nil {
			complianceMode = *p.ComplianceMode
		}
		id, err := e.CreateJob(ctx, engine.CreateJobInput{
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Category:       input.Body.Category,
			Currency:       input.Body.Currency,
			Budget:         input.Body.Budget,
			Deadline:       input.Body.Deadline,
			ClientID:       client,
			Signature:      sig,
			ComplianceMode: complianceMode,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateJobResponse `json:"body"`
		}{Body: CreateJobResponse{ID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []JobResponse `json:"body"`
	}, error) {
		jobs, err := e.ListJobs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]JobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, jobResponse(j))
		}
		return &struct {
			Body []JobResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job with folded state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID int64 `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		job, err := e.Job(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-milestones",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/milestones",
		Summary:     "Attach milestone schedule",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		JobID int64                   `path:"job_id"`
		Body  AttachMilestonesRequest `json:"body"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		schedule := make([]engine.MilestoneInput, 0, len(input.Body.Schedule))
		for _, m := range input.Body.Schedule {
			schedule = append(schedule, engine.MilestoneInput{ID: m.ID, Amount: m.Amount})
		}
		if err := e.AttachMilestones(ctx, input.JobID, schedule, actor); err != nil {
			return nil, handleError(err)
		}
		return okBody(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-funding",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/funding/request",
		Summary:     "Request escrow funding",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID int64 `path:"job_id"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RequestFunding(ctx, input.JobID, actor); err != nil {
			return nil, handleError(err)
		}
		return okBody(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-funding",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/funding/confirm",
		Summary:     "Confirm escrow funding",
		Description: "Consumes the settlement collaborator's confirmation. The amount must equal the budget.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		JobID int64                 `path:"job_id"`
		Body  ConfirmFundingRequest `json:"body"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ConfirmFunding(ctx, input.JobID, input.Body.Amount, actor); err != nil {
			return nil, handleError(err)
		}
		return okBody(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel an unfunded job",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID int64            `path:"job_id"`
		Body  CancelJobRequest `json:"body"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.CancelJob(ctx, input.JobID, actor, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		return okBody(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-offer",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/offer",
		Summary:     "Accept a worker's signed offer",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		JobID int64              `path:"job_id"`
		Body  AcceptOfferRequest `json:"body"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		sig, err := parseSignature(input.Body.Signature)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		err = e.AcceptOffer(ctx, engine.AcceptOfferInput{
			JobID:     input.JobID,
			Worker:    input.Body.Worker,
			Rate:      input.Body.Rate,
			Signature: sig,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return okBody(), nil
	})
}

func registerMilestones(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "deliver-milestone",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/milestones/{milestone_id}/deliver",
		Summary:     "Deliver a milestone with a signed receipt",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		JobID       int64                   `path:"job_id"`
		MilestoneID int64                   `path:"milestone_id"`
		Body        DeliverMilestoneRequest `json:"body"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		sig, err := parseSignature(input.Body.Signature)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		err = e.DeliverMilestone(ctx, engine.DeliverInput{
			JobID:           input.JobID,
			MilestoneID:     input.MilestoneID,
			DeliverableHash: input.Body.DeliverableHash,
			Signature:       sig,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return okBody(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-milestone",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/milestones/{milestone_id}/release",
		Summary:     "Release a delivered milestone",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		JobID       int64                   `path:"job_id"`
		MilestoneID int64                   `path:"milestone_id"`
		Body        ReleaseMilestoneRequest `json:"body"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		sig, err := parseSignature(input.Body.Signature)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		err = e.ReleaseMilestone(ctx, engine.ReleaseInput{
			JobID:       input.JobID,
			MilestoneID: input.MilestoneID,
			Signature:   sig,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return okBody(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-milestone",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/milestones/{milestone_id}/dispute",
		Summary:     "Dispute a delivered milestone",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID       int64 `path:"job_id"`
		MilestoneID int64 `path:"milestone_id"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		actor, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DisputeMilestone(ctx, input.JobID, input.MilestoneID, actor); err != nil {
			return nil, handleError(err)
		}
		return okBody(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-milestone",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/milestones/{milestone_id}/resolve",
		Summary:     "Resolve a disputed milestone",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		JobID       int64                   `path:"job_id"`
		MilestoneID int64                   `path:"milestone_id"`
		Body        ResolveMilestoneRequest `json:"body"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		arbiter, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sig, err := parseSignature(input.Body.Signature)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		err = e.ResolveMilestone(ctx, engine.ResolveInput{
			JobID:       input.JobID,
			MilestoneID: input.MilestoneID,
			Outcome:     input.Body.Outcome,
			Arbiter:     arbiter,
			Signature:   sig,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return okBody(), nil
	})
}

func registerAudit(api huma.API, e *engine.Engine) {
	builder := audit.Builder{Repo: e.Repo}
	huma.Register(api, huma.Operation{
		OperationID: "get-audit-bundle",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/audit",
		Summary:     "Export the job's audit bundle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID int64 `path:"job_id"`
	}) (*struct {
		Body AuditBundleResponse `json:"body"`
	}, error) {
		bundle, err := builder.Build(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		hash, err := bundle.Hash()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditBundleResponse `json:"body"`
		}{Body: AuditBundleResponse{
			Job:        bundle.Job,
			Milestones: bundle.Milestones,
			Events:     bundle.Events,
			Hash:       hash,
		}}, nil
	})
}

func okBody() *struct {
	Body OKResponse `json:"body"`
} {
	return &struct {
		Body OKResponse `json:"body"`
	}{Body: OKResponse{OK: true}}
}
