package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/vanshika/uplink/internal/metrics"
)

// RouterDependencies collects handler dependencies.
type RouterDependencies struct {
	Health           HealthService
	API              *APIHandlers
	Metrics          *metrics.Metrics
	Gatherer         prometheus.Gatherer
	AllowedOrigins   []string
	AllowCredentials bool
}

// NewRouter wires the HTTP routes exposed by the API.
func NewRouter(logger *zap.Logger, deps RouterDependencies) http.Handler {
	router := httprouter.New()
	rt := routes{router: router, logger: logger, metrics: deps.Metrics}

	rt.handle(http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		payload := map[string]any{
			"status": "ok",
		}

		if deps.Health != nil {
			if err := deps.Health.Probe(ctx); err != nil {
				logger.Error("health probe failed", zap.Error(err))
				status = http.StatusServiceUnavailable
				payload["status"] = "degraded"
				payload["error"] = err.Error()
			}
		}

		respondJSON(w, status, payload)
	})

	if deps.API != nil {
		api := deps.API
		rt.handle(http.MethodPost, "/v1/users", api.signUp)
		rt.handle(http.MethodGet, "/v1/users/:uid", api.profile)
		rt.handle(http.MethodGet, "/v1/users/:uid/dashboard", api.dashboard)
		rt.handle(http.MethodGet, "/v1/users/:uid/upline", api.upline)
		rt.handle(http.MethodGet, "/v1/users/:uid/commissions", api.commissions)
		rt.handle(http.MethodGet, "/v1/users/:uid/activation/history", api.activationHistory)
		rt.handle(http.MethodPost, "/v1/users/:uid/activation", api.transitionActivation)
		rt.handle(http.MethodGet, "/v1/users/:uid/stream", api.stream)
		rt.handle(http.MethodPost, "/v1/events", api.propagate)
		rt.handle(http.MethodPost, "/v1/webhooks/payments", api.limitWebhook(api.paymentWebhook))
	}

	if deps.Gatherer != nil {
		exporter := promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
		rt.handle(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
			exporter.ServeHTTP(w, r)
		})
	}

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	handler := http.Handler(router)
	if len(deps.AllowedOrigins) > 0 {
		handler = cors.New(corsOptions(deps.AllowedOrigins, deps.AllowCredentials)).Handler(handler)
	}
	return handler
}

// routes registers handlers wrapped with request logging and latency
// metrics labelled by the route pattern.
type routes struct {
	router  *httprouter.Router
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func (rt routes) handle(method, pattern string, handle httprouter.Handle) {
	rt.router.Handle(method, pattern, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		handle(rec, r, ps)
		elapsed := time.Since(start)
		rt.metrics.ObserveRequest(method, pattern, rec.status, elapsed)
		rt.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", pattern),
			zap.Int("status", rec.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

func corsOptions(allowedOrigins []string, allowCredentials bool) cors.Options {
	normalized := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		normalized[origin] = struct{}{}
	}
	_, wildcard := normalized["*"]

	return cors.Options{
		AllowOriginFunc: func(origin string) bool {
			if wildcard {
				return true
			}
			_, ok := normalized[origin]
			return ok
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: allowCredentials,
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets streaming handlers push events through the recorder.
func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
