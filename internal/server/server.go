package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hades/internal/config"
	"hades/internal/domain"
)

// Config for the development relay.
type Config struct {
	// Broker carries requests and reports. Defaults to a MemoryBroker.
	Broker   Broker
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Webhooks []config.WebhookConfig

	// OpenChannels lets /ws/{id} serve ids this relay never registered,
	// for agents that publish reports for tasks submitted elsewhere.
	OpenChannels bool

	ChannelBuffer int
	WriteWait     time.Duration
	NewID         func() string
	Now           func() time.Time
}

func (c *Config) defaults() {
	if c.Broker == nil {
		c.Broker = NewMemoryBroker()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = defaultChannelBuffer
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.NewID == nil {
		c.NewID = func() string { return uuid.NewString() }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"technique \"phishing-via-email\" cannot be both allowed and prohibited"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// Relay is the local stand-in for the HADES backend: submission, listing,
// report ingest and the transcript channel.
type Relay struct {
	http.Handler

	cfg      Config
	logger   *slog.Logger
	broker   Broker
	registry *registry
	metrics  *metrics
	hooks    *webhookDispatcher
	upgrader websocket.Upgrader

	stopOnce sync.Once
	stopping chan struct{}

	mu       sync.Mutex
	closed   bool
	channels sync.WaitGroup
}

// New builds the relay handler.
func New(cfg Config) (*Relay, error) {
	cfg.defaults()
	m, reg := newMetrics(cfg.Registry)
	s := &Relay{
		cfg:      cfg,
		logger:   cfg.Logger,
		broker:   cfg.Broker,
		registry: newRegistry(),
		metrics:  m,
		upgrader: websocket.Upgrader{
			// The console is not a browser; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stopping: make(chan struct{}),
	}
	s.hooks = startWebhookDispatcher(cfg.Webhooks, cfg.Logger, m)

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(s.requestLogger)
	hcfg := huma.DefaultConfig("HADES Relay", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerHealth(api)
	registerInjects(api, s)
	registerReports(api, s)
	router.Get("/ws/{id}", s.serveChannel)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	s.Handler = router
	return s, nil
}

// Close ends open channels with a going-away frame, waits for their handlers
// to return and flushes webhooks. The broker is left to its owner.
func (s *Relay) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopping)
		s.channels.Wait()
		s.hooks.close()
	})
}

// trackChannel registers a live channel handler. It fails once Close has
// started so Wait never races a new Add.
func (s *Relay) trackChannel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.channels.Add(1)
	return true
}

func (s *Relay) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.cfg.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", s.cfg.Now().Sub(start)),
		)
	})
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

// writeAPIError renders the envelope outside huma, for the plain chi routes.
func writeAPIError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ce *domain.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusUnprocessableEntity, "technique_conflict", err.Error(), map[string]any{"technique": ce.Technique})
	}
	if errors.Is(err, ErrBrokerClosed) {
		return newAPIError(http.StatusServiceUnavailable, "broker_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
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

func registerInjects(api huma.API, s *Relay) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-inject",
		Method:      http.MethodPost,
		Path:        "/",
		Summary:     "Submit an inject",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body domain.Inject
	}) (*struct {
		Body domain.SubmitResponse `json:"body"`
	}, error) {
		if err := input.Body.Validate(); err != nil {
			reason := "invalid"
			var ce *domain.ConflictError
			if errors.As(err, &ce) {
				reason = "conflict"
			}
			s.metrics.injectsRejected.WithLabelValues(reason).Inc()
			return nil, handleError(fmt.Errorf("invalid inject: %w", err))
		}
		id := s.cfg.NewID()
		data, err := json.Marshal(submittedInject{ID: id, Inject: input.Body})
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.broker.Publish(ctx, RequestsSubject, data); err != nil {
			return nil, handleError(err)
		}
		s.registry.add(id, input.Body)
		s.metrics.injectsSubmitted.Inc()
		s.hooks.enqueue(newWebhookEvent(uuid.NewString(), EventInjectSubmitted, id, s.cfg.Now(), data))
		s.logger.Info("inject submitted", slog.String("task_id", id), slog.String("name", input.Body.Name))
		return &struct {
			Body domain.SubmitResponse `json:"body"`
		}{Body: domain.SubmitResponse{ID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-injects",
		Method:      http.MethodGet,
		Path:        "/",
		Summary:     "List submitted injects by task id",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: s.registry.listing()}, nil
	})
}

func registerReports(api huma.API, s *Relay) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-report",
		Method:        http.MethodPost,
		Path:          "/injects/{id}/reports",
		Summary:       "Publish a transcript frame for a task",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		RawBody []byte
	}) (*struct {
		Body acceptedResponse `json:"body"`
	}, error) {
		if err := s.requireTask(input.ID); err != nil {
			return nil, err
		}
		if !json.Valid(input.RawBody) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "report must be a JSON document", nil)
		}
		if err := s.broker.Publish(ctx, ReportsSubject(input.ID), input.RawBody); err != nil {
			return nil, handleError(err)
		}
		s.metrics.reportsPublished.Inc()
		s.hooks.enqueue(newWebhookEvent(uuid.NewString(), EventInjectReport, input.ID, s.cfg.Now(), input.RawBody))
		return &struct {
			Body acceptedResponse `json:"body"`
		}{Body: acceptedResponse{Status: "accepted"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "close-channel",
		Method:        http.MethodPost,
		Path:          "/injects/{id}/close",
		Summary:       "Close every transcript channel of a task",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CloseRequest
	}) (*struct {
		Body acceptedResponse `json:"body"`
	}, error) {
		if err := s.requireTask(input.ID); err != nil {
			return nil, err
		}
		if !validCloseCode(input.Body.Code) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "close code cannot be sent on the wire", map[string]any{"code": input.Body.Code})
		}
		data, err := json.Marshal(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.broker.Publish(ctx, ControlSubject(input.ID), data); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body acceptedResponse `json:"body"`
		}{Body: acceptedResponse{Status: "accepted"}}, nil
	})
}

// requireTask rejects ids that are not subject safe, then ids this relay
// never issued unless channels are open.
func (s *Relay) requireTask(id string) huma.StatusError {
	if !ValidTaskID(id) {
		return newAPIError(http.StatusBadRequest, "bad_request", "invalid task id", map[string]any{"id": id})
	}
	if s.cfg.OpenChannels {
		return nil
	}
	if _, ok := s.registry.get(id); !ok {
		return newAPIError(http.StatusNotFound, "not_found", "unknown task id", map[string]any{"id": id})
	}
	return nil
}
