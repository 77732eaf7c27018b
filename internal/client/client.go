// Package client provides an HTTP client for the vidscan server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultServerURL = "http://localhost:8080"
	defaultTimeout   = 30 * time.Minute
)

// Client talks to the vidscan HTTP API with a bearer API key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client. An empty baseURL falls back to VIDSCAN_SERVER_URL
// and then localhost:8080; an empty apiKey falls back to VIDSCAN_API_KEY.
// VIDSCAN_CLIENT_TIMEOUT overrides the 30m request timeout used for uploads.
func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("VIDSCAN_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = defaultServerURL
	}
	if apiKey == "" {
		apiKey = os.Getenv("VIDSCAN_API_KEY")
	}

	timeout := defaultTimeout
	if t := os.Getenv("VIDSCAN_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// =============================================================================
// TYPES
// =============================================================================

// UploadedFile describes the stored upload.
type UploadedFile struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// UploadResponse is returned once the job is queued.
type UploadResponse struct {
	Message string       `json:"message"`
	JobID   string       `json:"jobId"`
	File    UploadedFile `json:"file"`
}

// JobStatus is one status snapshot.
type JobStatus struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (s JobStatus) Terminal() bool {
	return s.Status == "complete" || s.Status == "error"
}

// JobResult is the output of a complete job.
type JobResult struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	OutputVideo string          `json:"outputVideo"`
	Results     json.RawMessage `json:"results"`
}

// PageMeta is the pagination block of list responses.
type PageMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"hasNext"`
}

// ListOptions filters ListJobs.
type ListOptions struct {
	Page   int
	Limit  int
	Status string
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsRetryable reports whether a failed request may succeed if repeated.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		// transport errors
		return true
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Upload streams the file at path as the "video" multipart field.
func (c *Client) Upload(ctx context.Context, path string) (*UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeVideoPart(mw, filepath.Base(path), f))
	}()

	var out UploadResponse
	if err := c.do(ctx, http.MethodPost, "/api/video/upload", pr, mw.FormDataContentType(), &out); err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	return &out, nil
}

func writeVideoPart(mw *multipart.Writer, name string, r io.Reader) error {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename=%q`, name))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

// Status returns the job's current status.
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var out JobStatus
	if err := c.do(ctx, http.MethodGet, "/api/video/status/"+url.PathEscape(jobID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result returns the results of a complete job.
func (c *Client) Result(ctx context.Context, jobID string) (*JobResult, error) {
	var out JobResult
	if err := c.do(ctx, http.MethodGet, "/api/video/result/"+url.PathEscape(jobID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete cancels the job if needed and removes it with its files.
func (c *Client) Delete(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/api/video/job/"+url.PathEscape(jobID), nil, "", nil)
}

// ListJobs returns one page of the caller's jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) ([]JobStatus, PageMeta, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	path := "/api/video/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var env struct {
		Data []JobStatus `json:"data"`
		Meta PageMeta    `json:"meta"`
	}
	if err := c.doRaw(ctx, http.MethodGet, path, nil, "", &env); err != nil {
		return nil, PageMeta{}, err
	}
	return env.Data, env.Meta, nil
}

// DownloadOutput copies the processed video of a complete job into w.
func (c *Client) DownloadOutput(ctx context.Context, jobID string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/video/output/"+url.PathEscape(jobID), nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download output: %w", err)
	}
	return n, nil
}

// Watch streams status snapshots over the websocket until the job reaches a
// terminal state, and returns the last snapshot.
func (c *Client) Watch(ctx context.Context, jobID string, onUpdate func(JobStatus)) (*JobStatus, error) {
	u, err := url.Parse(c.baseURL + "/api/video/events/" + url.PathEscape(jobID))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var last *JobStatus
	for {
		var st JobStatus
		if err := conn.ReadJSON(&st); err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				if last == nil || !last.Terminal() {
					return last, fmt.Errorf("job %s was removed", jobID)
				}
				return last, nil
			}
			return last, fmt.Errorf("read event: %w", err)
		}
		last = &st
		if onUpdate != nil {
			onUpdate(st)
		}
	}
}

// APIKey is a key as listed by the admin API. The raw key is never returned
// after creation.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"keyPrefix"`
	Scopes     []string   `json:"scopes"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// CreatedKey carries the raw key, shown once.
type CreatedKey struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateKey issues a new API key for the caller's tenant. Requires admin scope.
func (c *Client) CreateKey(ctx context.Context, name string, scopes []string) (*CreatedKey, error) {
	body, err := json.Marshal(map[string]any{"name": name, "scopes": scopes})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var out CreatedKey
	if err := c.do(ctx, http.MethodPost, "/api/v1/admin/keys", bytes.NewReader(body), "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListKeys returns the tenant's active API keys.
func (c *Client) ListKeys(ctx context.Context) ([]APIKey, error) {
	var out []APIKey
	if err := c.do(ctx, http.MethodGet, "/api/v1/admin/keys", nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RevokeKey revokes the key with the given id.
func (c *Client) RevokeKey(ctx context.Context, keyID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/admin/keys/"+url.PathEscape(keyID), nil, "", nil)
}

// =============================================================================
// TRANSPORT
// =============================================================================

// do decodes the "data" member of a success envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	if out == nil {
		return c.doRaw(ctx, method, path, body, contentType, nil)
	}
	env := struct {
		Data any `json:"data"`
	}{Data: out}
	return c.doRaw(ctx, method, path, body, contentType, &env)
}

// doRaw decodes the whole response body into out.
func (c *Client) doRaw(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	resp, err := c.send(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send performs the request and converts non-2xx responses into *APIError.
func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Code: "HTTP_ERROR", Message: resp.Status}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(raw) == 0 {
		return apiErr
	}

	var env struct {
		Error struct {
			Code    string          `json:"code"`
			Message string          `json:"message"`
			Details json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}
