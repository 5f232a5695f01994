package httpapi

import (
	"net/http"
	"strings"
	"time"

	"reservation-ledger/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const correlationHeader = "X-Correlation-Id"

func Router(h *Handlers, maxInflight int) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{account}", h.GetAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{account}/deposits", h.Deposit).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{account}/transfers", h.Transfer).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{account}/reservations", h.Reserve).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{account}/reservations/{id}/release", h.Release).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{account}/reservations/{id}/punish", h.Punish).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Backpressure at the edge.
	// Prevents unbounded goroutine/pool queueing when DB is saturated.
	return withConcurrencyLimit(withRequestLog(r, h.logger), maxInflight)
}

func withConcurrencyLimit(next http.Handler, max int) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			// Fast fail instead of queueing forever.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"server busy"}`))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withRequestLog attaches a correlation id to the request context and logs one line per request.
func withRequestLog(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		corr := strings.TrimSpace(r.Header.Get(correlationHeader))
		if corr == "" {
			corr = uuid.NewString()
		}
		w.Header().Set(correlationHeader, corr)
		r = r.WithContext(store.WithCorrelationID(r.Context(), corr))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("correlation_id", corr),
		)
	})
}
