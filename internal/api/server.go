// Package api serves the request queue over HTTP and provides the matching
// Go client. URLs and headers travel hex-encoded so arbitrary bytes survive
// form encoding; response bodies travel as hex-encoded gzip.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/webrequestd/webrequestd/internal/store"
)

// dateLayout is the wire format for request date windows and response
// timestamps, always UTC.
const dateLayout = "2006-01-02 15:04:05"

// Server-side request handling bounds. Write generously covers slow
// response downloads by clients on bad links.
const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// Service is the request lifecycle surface the server exposes. Implemented
// by *engine.Handler.
type Service interface {
	AddRequest(ctx context.Context, rawURL string, header map[string]string, accepted []int, window *store.DateWindow) (int64, error)
	GetResponse(ctx context.Context, requestID int64) (*store.StoredResponse, error)
}

// Server is the HTTP front of the request queue.
type Server struct {
	service Service
	logger  *slog.Logger
	http    *http.Server
	nowFunc func() time.Time // injectable for testing
}

// Config configures NewServer. Zero timeouts get working defaults.
type Config struct {
	Addr    string
	Service Service
	Logger  *slog.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer creates a Server. Call Start to serve and Shutdown to stop.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	s := &Server{
		service: cfg.Service,
		logger:  logger,
		nowFunc: time.Now,
	}

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	return s
}

// Handler returns the configured router, split out so tests can drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Post("/", s.handleAdd)
	r.Get("/", s.handleGet)
	r.Get("/healthz", s.handleHealth)

	return r
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("api server listening", slog.String("addr", s.http.Addr))

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return fmt.Errorf("api: serving: %w", err)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutting down: %w", err)
	}

	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug("request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// handleAdd registers a request from a form-encoded POST: url (hex UTF-8),
// header (hex JSON), optional status_code (comma-separated ints) and
// min_date/max_date bounds.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parsing form: %w", err))
		return
	}

	rawURL, err := decodeHexField(r.PostForm.Get("url"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding url: %w", err))
		return
	}

	if _, err := store.ParseURL(rawURL); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	header, err := decodeHeaderField(r.PostForm.Get("header"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	accepted, err := parseStatusCodes(r.PostForm.Get("status_code"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	window, err := parseWindow(r.PostForm.Get("min_date"), r.PostForm.Get("max_date"), s.nowFunc().UTC())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.service.AddRequest(r.Context(), rawURL, header, accepted, window)
	if err != nil {
		s.logger.Error("registering request failed", slog.Any("error", err))
		s.writeError(w, http.StatusInternalServerError, errors.New("registering request failed"))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int64{"request_id": id})
}

// handleGet serves the latest accepted response for ?request_id=N, or an
// empty JSON object while the request is unsatisfied.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("request_id")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("request_id is required"))
		return
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parsing request_id: %w", err))
		return
	}

	resp, err := s.service.GetResponse(r.Context(), id)
	if err != nil {
		s.logger.Error("loading response failed",
			slog.Int64("request_id", id),
			slog.Any("error", err),
		)
		s.writeError(w, http.StatusInternalServerError, errors.New("loading response failed"))
		return
	}

	if resp == nil {
		s.writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	s.writeJSON(w, http.StatusOK, ResponsePayload{
		ResponseID: resp.ResponseID,
		RequestID:  resp.RequestID,
		Timestamp:  time.Unix(0, resp.RequestedAt).UTC().Format(dateLayout),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Content:    hex.EncodeToString(resp.Content),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeHexField(v string) (string, error) {
	raw, err := hex.DecodeString(v)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

// decodeHeaderField restores the header map from its hex-encoded JSON form.
// An absent field means no headers.
func decodeHeaderField(v string) (map[string]string, error) {
	if v == "" {
		return nil, nil
	}

	raw, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}

	var header map[string]string
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}

	return header, nil
}

// parseStatusCodes splits the comma-separated accepted set. An absent field
// returns nil so the handler applies its default.
func parseStatusCodes(v string) ([]int, error) {
	if v == "" {
		return nil, nil
	}

	parts := strings.Split(v, ",")
	codes := make([]int, 0, len(parts))

	for _, part := range parts {
		code, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("parsing status_code: %w", err)
		}

		codes = append(codes, code)
	}

	return codes, nil
}

// parseWindow builds the dedup window from the optional date bounds.
// One-sided bounds are completed with the epoch below and now above.
func parseWindow(minRaw, maxRaw string, now time.Time) (*store.DateWindow, error) {
	if minRaw == "" && maxRaw == "" {
		return nil, nil
	}

	window := store.DateWindow{
		Min: time.Unix(0, 0).UTC(),
		Max: now,
	}

	if minRaw != "" {
		min, err := time.ParseInLocation(dateLayout, minRaw, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parsing min_date: %w", err)
		}

		window.Min = min
	}

	if maxRaw != "" {
		max, err := time.ParseInLocation(dateLayout, maxRaw, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parsing max_date: %w", err)
		}

		window.Max = max
	}

	if window.Max.Before(window.Min) {
		return nil, errors.New("max_date is before min_date")
	}

	return &window, nil
}
