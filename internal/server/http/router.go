// Package httpserver exposes the access gateway over HTTP with JSON bodies.
// Caller identity comes from the bearer token, never from the request.
package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qrhealth/consent-core/internal/metrics"
	"github.com/qrhealth/consent-core/internal/service"
)

// Options wires the router.
type Options struct {
	Gateway  service.AccessGateway
	Verifier *Verifier
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // nil disables /metrics
	// Ready backs /healthz; nil reports always ready.
	Ready func(ctx context.Context) error
}

// NewRouter builds the HTTP handler of consent-server.
func NewRouter(opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	h := &handlers{gw: opts.Gateway, log: log}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(AccessLog(log, opts.Metrics))
	r.Use(Recover(log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil {
			if err := opts.Ready(r.Context()); err != nil {
				log.Warn("not ready", zap.Error(err))
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(opts.Verifier))

		r.Route("/patients/{healthID}", func(r chi.Router) {
			r.Get("/", h.lookup)
			r.Post("/request-otp", h.requestOTP)
			r.Post("/verify-otp", h.verifyOTP)
			r.Get("/sharing", h.listGrants)
		})
		r.Route("/sharing/{grantID}", func(r chi.Router) {
			r.Post("/revoke", h.revoke)
			r.Post("/decline", h.decline)
		})
		r.Get("/audit/logs", h.auditLogs)
	})
	return r
}
