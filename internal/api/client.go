package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultClientTimeout = 30 * time.Second

// Client talks to a Server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the server at baseURL. A nil httpClient
// gets a default with a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// AddSpec describes one request registration. Zero dates leave that side of
// the dedup window open.
type AddSpec struct {
	URL      string
	Header   map[string]string
	Accepted []int
	MinDate  time.Time
	MaxDate  time.Time
}

// ResponsePayload is the wire shape of a satisfied request. Header carries
// the response headers as a JSON object and Content the hex-encoded gzip of
// the body.
type ResponsePayload struct {
	ResponseID int64  `json:"ResponseId"`
	RequestID  int64  `json:"RequestId"`
	Timestamp  string `json:"Timestamp"`
	StatusCode int    `json:"StatusCode"`
	Header     string `json:"Header"`
	Content    string `json:"Content"`
}

// DecodedBody returns the response body, un-hexed and gunzipped.
func (p *ResponsePayload) DecodedBody() ([]byte, error) {
	if p.Content == "" {
		return nil, nil
	}

	raw, err := hex.DecodeString(p.Content)
	if err != nil {
		return nil, fmt.Errorf("api: decoding response content: %w", err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("api: decompressing response content: %w", err)
	}
	defer zr.Close()

	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("api: decompressing response content: %w", err)
	}

	return body, nil
}

// DecodedHeader returns the response headers as a map.
func (p *ResponsePayload) DecodedHeader() (map[string]string, error) {
	if p.Header == "" {
		return nil, nil
	}

	var header map[string]string
	if err := json.Unmarshal([]byte(p.Header), &header); err != nil {
		return nil, fmt.Errorf("api: decoding response header: %w", err)
	}

	return header, nil
}

// Add registers a request and returns its id. Re-adding an equivalent
// request returns the existing id.
func (c *Client) Add(ctx context.Context, spec AddSpec) (int64, error) {
	headerJSON := []byte("{}")
	if spec.Header != nil {
		var err error

		headerJSON, err = json.Marshal(spec.Header)
		if err != nil {
			return 0, fmt.Errorf("api: encoding header: %w", err)
		}
	}

	form := url.Values{}
	form.Set("url", hex.EncodeToString([]byte(spec.URL)))
	form.Set("header", hex.EncodeToString(headerJSON))

	if len(spec.Accepted) > 0 {
		codes := make([]string, len(spec.Accepted))
		for i, code := range spec.Accepted {
			codes[i] = strconv.Itoa(code)
		}

		form.Set("status_code", strings.Join(codes, ","))
	}

	if !spec.MinDate.IsZero() {
		form.Set("min_date", spec.MinDate.UTC().Format(dateLayout))
	}

	if !spec.MaxDate.IsZero() {
		form.Set("max_date", spec.MaxDate.UTC().Format(dateLayout))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("api: building add request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		RequestID int64 `json:"request_id"`
	}

	if err := c.do(req, &out); err != nil {
		return 0, err
	}

	return out.RequestID, nil
}

// Get returns the latest accepted response for requestID, or nil while the
// request is unsatisfied.
func (c *Client) Get(ctx context.Context, requestID int64) (*ResponsePayload, error) {
	target := fmt.Sprintf("%s/?request_id=%d", c.baseURL, requestID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("api: building get request: %w", err)
	}

	var payload ResponsePayload
	if err := c.do(req, &payload); err != nil {
		return nil, err
	}

	// An unsatisfied request answers with an empty object. No stored
	// response ever has id zero.
	if payload.ResponseID == 0 {
		return nil, nil
	}

	return &payload, nil
}

// Wait polls Get at the given interval until the request is satisfied or
// ctx ends. A non-positive interval polls every second.
func (c *Client) Wait(ctx context.Context, requestID int64, interval time.Duration) (*ResponsePayload, error) {
	if interval <= 0 {
		interval = time.Second
	}

	for {
		payload, err := c.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}

		if payload != nil {
			return payload, nil
		}

		if err := clientSleep(ctx, interval); err != nil {
			return nil, fmt.Errorf("api: waiting for request %d: %w", requestID, err)
		}
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: calling server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: reading server response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var serverErr struct {
			Error string `json:"error"`
		}

		if err := json.Unmarshal(body, &serverErr); err == nil && serverErr.Error != "" {
			return fmt.Errorf("api: server returned %s: %s", resp.Status, serverErr.Error)
		}

		return fmt.Errorf("api: server returned %s", resp.Status)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("api: decoding server response: %w", err)
	}

	return nil
}

func clientSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
