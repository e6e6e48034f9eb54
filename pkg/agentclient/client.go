// Package agentclient is the HTTP client an agent uses to talk to the etlgate
// Gateway: heartbeats, polling, claiming, result delivery and artifact upload.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/pkg/models"
)

// KeyHeader carries the agent key on every request.
const KeyHeader = "X-Agent-Key"

// Sentinel errors for Gateway failures. Errors returned for non-2xx responses
// are *APIError values that unwrap to one of these where a mapping exists.
var (
	ErrUnreachable  = errors.New("gateway unreachable")
	ErrTimeout      = errors.New("gateway timeout")
	ErrUnauthorized = errors.New("agent key rejected")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// APIError is a non-2xx Gateway response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	}
	return nil
}

// Client is the Gateway surface an agent needs.
type Client interface {
	Heartbeat(ctx context.Context, activeJobs int, systemInfo any) error
	Poll(ctx context.Context) ([]*models.Job, error)
	Start(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Result(ctx context.Context, jobID uuid.UUID, res Result) (*models.Job, error)
	UploadArtifact(ctx context.Context, jobID uuid.UUID, p, contentType string, data io.Reader) (string, error)
}

// Result is the terminal outcome of a job.
type Result struct {
	Status       string `json:"status"`
	ResultData   any    `json:"result_data,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// HTTPClient implements Client over the Gateway's HTTP API.
type HTTPClient struct {
	baseURL string
	key     string
	client  *http.Client
}

// NewHTTPClient creates a client for the Gateway at baseURL, e.g.
// "https://gateway.example.com". Requests go to the /api/v1 routes beneath it.
func NewHTTPClient(baseURL, key string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		key:     key,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Heartbeat(ctx context.Context, activeJobs int, systemInfo any) error {
	body := map[string]any{"active_jobs": activeJobs}
	if systemInfo != nil {
		body["system_info"] = systemInfo
	}
	return c.doJSON(ctx, http.MethodPost, "/heartbeat", body, nil)
}

func (c *HTTPClient) Poll(ctx context.Context) ([]*models.Job, error) {
	jobs := []*models.Job{}
	if err := c.doJSON(ctx, http.MethodGet, "/jobs/poll", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *HTTPClient) Start(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var job models.Job
	if err := c.doJSON(ctx, http.MethodPost, "/jobs/"+jobID.String()+"/start", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *HTTPClient) Result(ctx context.Context, jobID uuid.UUID, res Result) (*models.Job, error) {
	var job models.Job
	if err := c.doJSON(ctx, http.MethodPost, "/jobs/"+jobID.String()+"/result", res, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// UploadArtifact stores data under p for the job and returns its public URL.
func (c *HTTPClient) UploadArtifact(ctx context.Context, jobID uuid.UUID, p, contentType string, data io.Reader) (string, error) {
	var buf bytes.Buffer
	mp := multipart.NewWriter(&buf)
	if err := mp.WriteField("path", p); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, path.Base(p)))
	h.Set("Content-Type", contentType)
	part, err := mp.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if _, err := io.Copy(part, data); err != nil {
		return "", fmt.Errorf("reading artifact: %w", err)
	}
	if err := mp.Close(); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/jobs/"+url.PathEscape(jobID.String())+"/artifacts", &buf)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mp.FormDataContentType())

	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, endpoint string, body, v any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, rdr)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, v)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) do(req *http.Request, v any) error {
	req.Header.Set(KeyHeader, c.key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode}
		}
		return fmt.Errorf("decoding gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if v != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return fmt.Errorf("decoding gateway data: %w", err)
		}
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
