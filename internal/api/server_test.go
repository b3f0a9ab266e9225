package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/webrequestd/webrequestd/internal/store"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

type addCall struct {
	rawURL   string
	header   map[string]string
	accepted []int
	window   *store.DateWindow
}

// mockService records registrations and serves canned responses.
type mockService struct {
	addCalls []addCall
	addID    int64
	addErr   error

	responses map[int64]*store.StoredResponse
	getErr    error
}

func (m *mockService) AddRequest(_ context.Context, rawURL string, header map[string]string, accepted []int, window *store.DateWindow) (int64, error) {
	m.addCalls = append(m.addCalls, addCall{rawURL: rawURL, header: header, accepted: accepted, window: window})

	if m.addErr != nil {
		return 0, m.addErr
	}

	return m.addID, nil
}

func (m *mockService) GetResponse(_ context.Context, requestID int64) (*store.StoredResponse, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}

	return m.responses[requestID], nil
}

func newTestServer(t *testing.T, svc Service) *Server {
	t.Helper()

	return NewServer(Config{
		Addr:    "127.0.0.1:0",
		Service: svc,
		Logger:  testLogger(t),
	})
}

func postAdd(t *testing.T, s *Server, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	return w
}

func getPath(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	return w
}

func addForm(rawURL string, header map[string]string) url.Values {
	form := url.Values{}
	form.Set("url", hex.EncodeToString([]byte(rawURL)))

	if header != nil {
		headerJSON, err := json.Marshal(header)
		if err != nil {
			panic(err)
		}

		form.Set("header", hex.EncodeToString(headerJSON))
	}

	return form
}

func gzipBytes(t *testing.T, body string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(body)); err != nil {
		t.Fatalf("compressing body: %v", err)
	}

	if err := zw.Close(); err != nil {
		t.Fatalf("compressing body: %v", err)
	}

	return buf.Bytes()
}

func TestHandleAdd_RegistersRequest(t *testing.T) {
	t.Parallel()

	svc := &mockService{addID: 42}
	s := newTestServer(t, svc)

	form := addForm("https://example.com/data?q=1", map[string]string{"X-Token": "abc"})
	form.Set("status_code", "200, 301")

	w := postAdd(t, s, form)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var out struct {
		RequestID int64 `json:"request_id"`
	}

	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	if out.RequestID != 42 {
		t.Errorf("request_id = %d, want 42", out.RequestID)
	}

	if len(svc.addCalls) != 1 {
		t.Fatalf("add calls = %d, want 1", len(svc.addCalls))
	}

	call := svc.addCalls[0]
	if call.rawURL != "https://example.com/data?q=1" {
		t.Errorf("rawURL = %q", call.rawURL)
	}

	if call.header["X-Token"] != "abc" {
		t.Errorf("header = %v, want X-Token abc", call.header)
	}

	if len(call.accepted) != 2 || call.accepted[0] != 200 || call.accepted[1] != 301 {
		t.Errorf("accepted = %v, want [200 301]", call.accepted)
	}

	if call.window != nil {
		t.Errorf("window = %+v, want nil", call.window)
	}
}

func TestHandleAdd_OmittedFieldsStayUnset(t *testing.T) {
	t.Parallel()

	svc := &mockService{addID: 1}
	s := newTestServer(t, svc)

	w := postAdd(t, s, addForm("https://example.com/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	call := svc.addCalls[0]
	if call.header != nil {
		t.Errorf("header = %v, want nil", call.header)
	}

	if call.accepted != nil {
		t.Errorf("accepted = %v, want nil", call.accepted)
	}

	if call.window != nil {
		t.Errorf("window = %+v, want nil", call.window)
	}
}

func TestHandleAdd_WindowBounds(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		minDate string
		maxDate string
		wantMin time.Time
		wantMax time.Time
	}{
		{
			name:    "both bounds",
			minDate: "2024-04-01 00:00:00",
			maxDate: "2024-04-30 00:00:00",
			wantMin: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			wantMax: time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "min only closes at now",
			minDate: "2024-04-01 00:00:00",
			wantMin: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			wantMax: now,
		},
		{
			name:    "max only opens at epoch",
			maxDate: "2024-04-30 00:00:00",
			wantMin: time.Unix(0, 0).UTC(),
			wantMax: time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &mockService{addID: 1}
			s := newTestServer(t, svc)
			s.nowFunc = func() time.Time { return now }

			form := addForm("https://example.com/", nil)
			if tt.minDate != "" {
				form.Set("min_date", tt.minDate)
			}
			if tt.maxDate != "" {
				form.Set("max_date", tt.maxDate)
			}

			w := postAdd(t, s, form)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", w.Code, w.Body.String())
			}

			window := svc.addCalls[0].window
			if window == nil {
				t.Fatal("window is nil")
			}

			if !window.Min.Equal(tt.wantMin) {
				t.Errorf("window.Min = %v, want %v", window.Min, tt.wantMin)
			}

			if !window.Max.Equal(tt.wantMax) {
				t.Errorf("window.Max = %v, want %v", window.Max, tt.wantMax)
			}
		})
	}
}

func TestHandleAdd_BadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(form url.Values)
	}{
		{
			name: "url not hex",
			mutate: func(form url.Values) {
				form.Set("url", "zz-not-hex")
			},
		},
		{
			name: "url not a url",
			mutate: func(form url.Values) {
				form.Set("url", hex.EncodeToString([]byte("not a url")))
			},
		},
		{
			name: "header not json",
			mutate: func(form url.Values) {
				form.Set("header", hex.EncodeToString([]byte("[1,2]")))
			},
		},
		{
			name: "status code not a number",
			mutate: func(form url.Values) {
				form.Set("status_code", "200,abc")
			},
		},
		{
			name: "unparseable min date",
			mutate: func(form url.Values) {
				form.Set("min_date", "yesterday")
			},
		},
		{
			name: "inverted window",
			mutate: func(form url.Values) {
				form.Set("min_date", "2024-04-30 00:00:00")
				form.Set("max_date", "2024-04-01 00:00:00")
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &mockService{addID: 1}
			s := newTestServer(t, svc)

			form := addForm("https://example.com/", nil)
			tt.mutate(form)

			w := postAdd(t, s, form)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusBadRequest, w.Body.String())
			}

			if len(svc.addCalls) != 0 {
				t.Errorf("add calls = %d, want 0", len(svc.addCalls))
			}

			var out struct {
				Error string `json:"error"`
			}

			if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
				t.Fatalf("decoding error body: %v", err)
			}

			if out.Error == "" {
				t.Error("error body is empty")
			}
		})
	}
}

func TestHandleAdd_ServiceError(t *testing.T) {
	t.Parallel()

	svc := &mockService{addErr: errors.New("store: database is locked")}
	s := newTestServer(t, svc)

	w := postAdd(t, s, addForm("https://example.com/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestHandleGet_Unsatisfied(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockService{})

	w := getPath(t, s, "/?request_id=7")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	if got := strings.TrimSpace(w.Body.String()); got != "{}" {
		t.Errorf("body = %q, want {}", got)
	}
}

func TestHandleGet_Payload(t *testing.T) {
	t.Parallel()

	requestedAt := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	content := gzipBytes(t, "hello world")

	svc := &mockService{
		responses: map[int64]*store.StoredResponse{
			7: {
				ResponseID:  3,
				RequestID:   7,
				RequestedAt: requestedAt.UnixNano(),
				StatusCode:  200,
				Header:      `{"Content-Type":"text/html"}`,
				Content:     content,
			},
		},
	}

	s := newTestServer(t, svc)

	w := getPath(t, s, "/?request_id=7")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	// The wire keys are a compatibility surface, so pin them explicitly.
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &keys); err != nil {
		t.Fatalf("decoding body: %v", err)
	}

	for _, key := range []string{"ResponseId", "RequestId", "Timestamp", "StatusCode", "Header", "Content"} {
		if _, ok := keys[key]; !ok {
			t.Errorf("response is missing key %q", key)
		}
	}

	var payload ResponsePayload
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}

	if payload.ResponseID != 3 || payload.RequestID != 7 {
		t.Errorf("ids = (%d, %d), want (3, 7)", payload.ResponseID, payload.RequestID)
	}

	if payload.Timestamp != "2024-05-01 12:30:45" {
		t.Errorf("Timestamp = %q", payload.Timestamp)
	}

	if payload.StatusCode != 200 {
		t.Errorf("StatusCode = %d", payload.StatusCode)
	}

	if payload.Header != `{"Content-Type":"text/html"}` {
		t.Errorf("Header = %q", payload.Header)
	}

	if payload.Content != hex.EncodeToString(content) {
		t.Errorf("Content = %q", payload.Content)
	}

	body, err := payload.DecodedBody()
	if err != nil {
		t.Fatalf("DecodedBody: %v", err)
	}

	if string(body) != "hello world" {
		t.Errorf("decoded body = %q", body)
	}
}

func TestHandleGet_BadRequestID(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockService{})

	for _, path := range []string{"/", "/?request_id=abc"} {
		w := getPath(t, s, path)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", path, w.Code, http.StatusBadRequest)
		}
	}
}

func TestHandleGet_ServiceError(t *testing.T) {
	t.Parallel()

	svc := &mockService{getErr: errors.New("store: database is locked")}
	s := newTestServer(t, svc)

	w := getPath(t, s, "/?request_id=7")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockService{})

	w := getPath(t, s, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var out map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding body: %v", err)
	}

	if out["status"] != "ok" {
		t.Errorf("status = %q, want ok", out["status"])
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &mockService{})

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	// Give the listener a moment, then stop it.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
}
