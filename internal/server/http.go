package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/async"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/export"
	"github.com/joseph-ayodele/invoice-fusion/internal/metrics"
	"github.com/joseph-ayodele/invoice-fusion/internal/repository"
)

const maxBodyBytes = 16 << 20

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type jobRequest struct {
	Path  string `json:"path"`
	Force bool   `json:"force"`
}

// NewRouter builds the HTTP API.
func NewRouter(s *Service, apiKeys []string) http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(BearerAuthMiddleware(apiKeys))
	r.Use(metrics.Middleware())

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/extract", s.handleExtract)
		r.Get("/invoices", s.handleListInvoices)
		r.Get("/invoices/export", s.handleExport)
		r.Get("/invoices/{id}", s.handleGetInvoice)
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs/{id}", s.handleGetJob)
	})
	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context(), 2*time.Second); err != nil {
		s.logger.Warn("http.health.failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, common.KindInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if req.DocumentID == "" {
		req.DocumentID = chiMiddleware.GetReqID(r.Context())
	}
	rec, err := s.Extract(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	f, err := listFilterFrom(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	invs, err := s.store.ListInvoices(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invs, "count": len(invs)})
}

func (s *Service) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, common.KindInvalidInput, "id must be a UUID")
		return
	}
	inv, err := s.store.GetInvoice(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := listFilterFrom(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	invs, err := s.store.ListInvoices(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	data, err := s.exporter.WriteXLSX(export.FromStored(invs))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	name := fmt.Sprintf("invoices-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Service) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusNotImplemented, "UNAVAILABLE", "background processing is disabled")
		return
	}
	var req jobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, common.KindInvalidInput, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, common.KindInvalidInput, "path is required")
		return
	}
	traceID := chiMiddleware.GetReqID(r.Context())
	err := s.queue.Enqueue(r.Context(), async.Job{Path: req.Path, Force: req.Force, TraceID: traceID})
	if errors.Is(err, async.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "path": req.Path, "trace_id": traceID})
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, common.KindInvalidInput, "id must be a UUID")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func listFilterFrom(r *http.Request) (repository.ListFilter, error) {
	var f repository.ListFilter
	q := r.URL.Query()
	if st := strings.ToUpper(strings.TrimSpace(q.Get("status"))); st != "" {
		switch constants.ValidationStatus(st) {
		case constants.StatusOK, constants.StatusPartial, constants.StatusInconsistent:
			f.Status = constants.ValidationStatus(st)
		default:
			return f, fmt.Errorf("%w: status must be OK, PARTIAL or INCONSISTENT", common.ErrInvalidInput)
		}
	}
	if l := strings.TrimSpace(q.Get("limit")); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return f, fmt.Errorf("%w: limit must be a positive integer", common.ErrInvalidInput)
		}
		f.Limit = n
	}
	return f, nil
}

// writeDomainError maps err to a status and a stable code. Internal errors are logged
// and their text withheld from the client.
func (s *Service) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := common.HTTPStatus(err)
	kind := common.ErrorKind(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		s.logger.Error("http.request.failed", "path", r.URL.Path, "kind", kind, "error", err,
			"request_id", chiMiddleware.GetReqID(r.Context()))
		if kind == common.KindInternal {
			msg = "internal error"
		}
	}
	writeError(w, code, kind, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// jsonRecoverer returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					logger.Error("http.panic", "panic", rvr, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, common.KindInternal, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger emits one log line per request and echoes X-Request-ID.
func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}
			ctx := common.WithRequestID(r.Context(), requestID)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			logger.Info("http.request",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"latency_ms", time.Since(start).Milliseconds(),
				"bytes", ww.BytesWritten(),
			)
		})
	}
}
