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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dutyline/internal/config"
	"dutyline/internal/domain"
	"dutyline/internal/engine"
	"dutyline/internal/hos"
	"dutyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"status is already driving"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Dutyline API.
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
	hcfg := huma.DefaultConfig("Dutyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerFleets(group, cfg.Engine)
	registerDutyStatus(group, cfg.Engine)
	registerHOS(group, cfg.Engine)
	registerCompliance(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
	registerViolations(group, cfg.Engine)
	registerIntervals(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	router.Handle("/metrics", promhttp.Handler())

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
	if errors.Is(err, engine.ErrInvalidTransition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrClockSkew) {
		return newAPIError(http.StatusBadRequest, "clock_skew", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "parse timestamp"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
    <title>Dutyline API Docs</title>
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

func registerFleets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-fleet",
		Method:        http.MethodPost,
		Path:          "/fleets",
		Summary:       "Create fleet",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Actor string             `header:"X-Actor"`
		Body  CreateFleetRequest `json:"body"`
	}) (*struct {
		Body domain.Fleet `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		f, err := e.InitFleet(ctx, input.Body.ID, deref(input.Body.Name), actorOr(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Fleet `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-fleets",
		Method:      http.MethodGet,
		Path:        "/fleets",
		Summary:     "List fleets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Fleet `json:"body"`
	}, error) {
		items, err := e.Repo.ListFleets(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Fleet{}
		}
		return &struct {
			Body []domain.Fleet `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-fleet-config",
		Method:      http.MethodGet,
		Path:        "/fleets/{fleet_id}/config",
		Summary:     "Get fleet HOS rule config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FleetID string `path:"fleet_id"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetFleetConfig(ctx, input.FleetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-fleet-config",
		Method:      http.MethodPut,
		Path:        "/fleets/{fleet_id}/config",
		Summary:     "Replace fleet HOS rule config",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FleetID string        `path:"fleet_id"`
		Body    config.Config `json:"body"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		if _, err := e.Repo.GetFleet(ctx, input.FleetID); err != nil {
			return nil, handleError(err)
		}
		cfg := input.Body
		if err := e.Repo.UpsertFleetConfig(ctx, input.FleetID, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerDutyStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "change-duty-status",
		Method:        http.MethodPost,
		Path:          "/drivers/{driver_id}/duty-status",
		Summary:       "Change duty status",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DriverID string            `path:"driver_id"`
		Actor    string            `header:"X-Actor"`
		Body     TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		if input.Body.NewStatus == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "new_status is required", nil)
		}
		res, err := e.ChangeDutyStatus(ctx, engine.TransitionOptions{
			FleetID:     e.Config.Fleet.ID,
			DriverID:    input.DriverID,
			NewStatus:   input.Body.NewStatus,
			Location:    input.Body.Location,
			Notes:       deref(input.Body.Notes),
			Timestamp:   deref(input.Body.Timestamp),
			IsAutomatic: input.Body.IsAutomatic,
			ActorID:     actorOr(input.Actor),
		})
		if err != nil {
			reason := "error"
			if errors.Is(err, engine.ErrInvalidTransition) {
				reason = "invalid_transition"
			} else if errors.Is(err, engine.ErrClockSkew) {
				reason = "clock_skew"
			}
			transitionsRejected.WithLabelValues(reason).Inc()
			return nil, handleError(err)
		}
		transitionsTotal.WithLabelValues(res.State.CurrentStatus).Inc()
		for _, v := range res.NewViolations {
			violationsRaised.WithLabelValues(v.Type).Inc()
		}
		for _, v := range res.ResolvedViolations {
			violationsResolved.WithLabelValues(v.Type).Inc()
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-duty-status",
		Method:      http.MethodGet,
		Path:        "/drivers/{driver_id}/duty-status",
		Summary:     "Current duty status",
	}, func(ctx context.Context, input *struct {
		DriverID string `path:"driver_id"`
		AsOf     string `query:"as_of" format:"date-time"`
	}) (*struct {
		Body DutyStatusResponse `json:"body"`
	}, error) {
		asOf, err := asOfOrNow(input.AsOf, e)
		if err != nil {
			return nil, handleError(err)
		}
		state, err := e.HOSState(ctx, input.DriverID, asOf)
		if err != nil {
			return nil, handleError(err)
		}
		out := DutyStatusResponse{State: state}
		if cur, err := e.Repo.GetCurrentInterval(ctx, input.DriverID); err == nil {
			out.Interval = &cur
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		return &struct {
			Body DutyStatusResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerHOS(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-hos",
		Method:      http.MethodGet,
		Path:        "/drivers/{driver_id}/hos",
		Summary:     "Remaining HOS budgets",
	}, func(ctx context.Context, input *struct {
		DriverID string `path:"driver_id"`
		AsOf     string `query:"as_of" format:"date-time"`
	}) (*struct {
		Body domain.HOSState `json:"body"`
	}, error) {
		asOf, err := asOfOrNow(input.AsOf, e)
		if err != nil {
			return nil, handleError(err)
		}
		state, err := e.HOSState(ctx, input.DriverID, asOf)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HOSState `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-hos",
		Method:      http.MethodPost,
		Path:        "/drivers/{driver_id}/hos/check",
		Summary:     "Re-run the violation detector",
	}, func(ctx context.Context, input *struct {
		DriverID string `path:"driver_id"`
		Actor    string `header:"X-Actor"`
		AsOf     string `query:"as_of" format:"date-time"`
	}) (*struct {
		Body CheckResponse `json:"body"`
	}, error) {
		asOf, err := asOfOrNow(input.AsOf, e)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.CheckViolations(ctx, e.Config.Fleet.ID, input.DriverID, asOf, actorOr(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		for _, v := range res.NewViolations {
			violationsRaised.WithLabelValues(v.Type).Inc()
		}
		for _, v := range res.ResolvedViolations {
			violationsResolved.WithLabelValues(v.Type).Inc()
		}
		return &struct {
			Body CheckResponse `json:"body"`
		}{Body: CheckResponse{
			State:              res.State,
			NewViolations:      orEmptyViolations(res.NewViolations),
			ResolvedViolations: orEmptyViolations(res.ResolvedViolations),
		}}, nil
	})
}

func registerCompliance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-compliance",
		Method:      http.MethodGet,
		Path:        "/drivers/{driver_id}/compliance",
		Summary:     "Compliance status",
	}, func(ctx context.Context, input *struct {
		DriverID string `path:"driver_id"`
		AsOf     string `query:"as_of" format:"date-time"`
	}) (*struct {
		Body ComplianceResponse `json:"body"`
	}, error) {
		asOf, err := asOfOrNow(input.AsOf, e)
		if err != nil {
			return nil, handleError(err)
		}
		c, state, err := e.ComplianceStatus(ctx, input.DriverID, asOf)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComplianceResponse `json:"body"`
		}{Body: ComplianceResponse{Compliant: c.Compliant, Issues: c.Issues, State: state}}, nil
	})
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-logs",
		Method:      http.MethodGet,
		Path:        "/drivers/{driver_id}/logs",
		Summary:     "Export duty logs with summary",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DriverID string `path:"driver_id"`
		From     string `query:"from" format:"date-time"`
		To       string `query:"to" format:"date-time"`
		Actor    string `header:"X-Actor"`
	}) (*struct {
		Body engine.Export `json:"body"`
	}, error) {
		out, err := e.ExportLogs(ctx, input.DriverID, input.From, input.To, actorOr(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Export `json:"body"`
		}{Body: out}, nil
	})
}

func registerViolations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-violations",
		Method:      http.MethodGet,
		Path:        "/drivers/{driver_id}/violations",
		Summary:     "List violations",
	}, func(ctx context.Context, input *struct {
		DriverID string `path:"driver_id"`
		Open     bool   `query:"open"`
		From     string `query:"from" format:"date-time"`
		To       string `query:"to" format:"date-time"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Violation `json:"body"`
	}, error) {
		from, err := normalizeBound(input.From)
		if err != nil {
			return nil, handleError(err)
		}
		to, err := normalizeBound(input.To)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListViolations(ctx, repo.ViolationFilters{
			DriverID: input.DriverID,
			OpenOnly: input.Open,
			From:     from,
			To:       to,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Violation `json:"body"`
		}{Body: orEmptyViolations(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-violation",
		Method:      http.MethodPost,
		Path:        "/violations/{violation_id}/resolve",
		Summary:     "Resolve a violation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ViolationID string `path:"violation_id"`
		Actor       string `header:"X-Actor"`
	}) (*struct {
		Body domain.Violation `json:"body"`
	}, error) {
		v, err := e.ResolveViolation(ctx, input.ViolationID, actorOr(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		violationsResolved.WithLabelValues(v.Type).Inc()
		return &struct {
			Body domain.Violation `json:"body"`
		}{Body: v}, nil
	})
}

func registerIntervals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "correct-interval",
		Method:        http.MethodPost,
		Path:          "/intervals/{interval_id}/correct",
		Summary:       "Append a correction for a closed interval",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IntervalID string                 `path:"interval_id"`
		Actor      string                 `header:"X-Actor"`
		Body       CorrectIntervalRequest `json:"body"`
	}) (*struct {
		Body domain.DutyInterval `json:"body"`
	}, error) {
		iv, err := e.CorrectInterval(ctx, engine.CorrectionOptions{
			IntervalID: input.IntervalID,
			Status:     deref(input.Body.Status),
			StartTime:  deref(input.Body.StartTime),
			EndTime:    deref(input.Body.EndTime),
			Location:   deref(input.Body.Location),
			Notes:      deref(input.Body.Notes),
			ActorID:    actorOr(input.Actor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DutyInterval `json:"body"`
		}{Body: iv}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event log",
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit"`
		After  int64  `query:"after"`
		Fleet  string `query:"fleet"`
		Type   string `query:"type"`
		Entity string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, limit, input.After, input.Fleet)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, input.Fleet, input.Type, "", input.Entity)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func asOfOrNow(raw string, e engine.Engine) (time.Time, error) {
	if raw == "" {
		if e.Now != nil {
			return e.Now().UTC(), nil
		}
		return time.Now().UTC(), nil
	}
	return hos.ParseTime(raw)
}

// normalizeBound reformats an RFC3339 bound to UTC so it compares correctly
// against stored timestamps.
func normalizeBound(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	t, err := hos.ParseTime(raw)
	if err != nil {
		return "", err
	}
	return t.Format(time.RFC3339), nil
}

func actorOr(actor string) string {
	if actor == "" {
		return "api"
	}
	return actor
}
