package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
)

const (
	uploadEndpoint     = "api/files/upload"
	submissionEndpoint = "api/submissions"
)

// Client talks to the grading backend
type Client struct {
	baseURL string
	token   string
	mu      sync.RWMutex

	// reads retry on 429/5xx; uploads and submission creation never do
	http   *resty.Client
	upload *resty.Client
}

// NewClient creates a new grading backend client
func NewClient(baseURL, token string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}

	client.http = resty.New().
		SetHeader("User-Agent", "gradeassist-desktop").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetTimeout(requestTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil {
				return false
			}
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == http.StatusTooManyRequests ||
				(r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	// Upload deadlines come from the caller's context (adaptive per file size)
	client.upload = resty.New().
		SetHeader("User-Agent", "gradeassist-desktop").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetRetryCount(0)

	return client
}

// UpdateCredentials points the client at another backend or token
func (c *Client) UpdateCredentials(baseURL, token string) {
	c.mu.Lock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.token = token
	c.mu.Unlock()
}

// BaseURL returns the backend the client currently talks to
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// UploadRequest describes one file to push to the upload endpoint
type UploadRequest struct {
	Path       string
	FileName   string
	Size       int64
	Category   string
	OnProgress func(sent, total int64)
}

// UploadFile streams a file as multipart form data and returns the backend file id
func (c *Client) UploadFile(ctx context.Context, req UploadRequest) (string, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	name := req.FileName
	if name == "" {
		name = f.Name()
	}

	var body io.Reader = f
	if req.OnProgress != nil {
		body = &progressReader{r: f, total: req.Size, report: req.OnProgress}
	}

	// The form is written into a pipe so the file is read only as fast as
	// the transport sends it
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	written := make(chan struct{})
	go func() {
		defer close(written)
		pw.CloseWithError(writeUploadForm(form, name, req.Category, body))
	}()
	defer func() {
		pr.Close()
		<-written
	}()

	resp, err := c.newRequest(ctx, c.upload).
		SetHeader("Content-Type", form.FormDataContentType()).
		SetBody(pr).
		Post(c.buildURL(uploadEndpoint))
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return "", newServerError(resp)
	}

	var result struct {
		FileID string `json:"file_id"`
	}
	if err := sonic.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if result.FileID == "" {
		return "", fmt.Errorf("upload response missing file_id")
	}
	return result.FileID, nil
}

// CreateSubmissionRequest references an uploaded file
type CreateSubmissionRequest struct {
	FileID       string `json:"file_id"`
	Category     string `json:"category"`
	AssignmentID string `json:"assignment_id,omitempty"`
}

// CreateSubmission registers an uploaded file for recognition and grading
func (c *Client) CreateSubmission(ctx context.Context, req CreateSubmissionRequest) (string, error) {
	resp, err := c.newRequest(ctx, c.upload).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(c.buildURL(submissionEndpoint))
	if err != nil {
		return "", fmt.Errorf("create submission request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return "", newServerError(resp)
	}

	var result struct {
		SubmissionID string `json:"submission_id"`
	}
	if err := sonic.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("failed to parse submission response: %w", err)
	}
	if result.SubmissionID == "" {
		return "", fmt.Errorf("submission response missing submission_id")
	}
	return result.SubmissionID, nil
}

// GetSubmissionStatus fetches and validates the processing state of a submission
func (c *Client) GetSubmissionStatus(ctx context.Context, submissionID string) (*SubmissionStatus, error) {
	endpoint := fmt.Sprintf("%s/%s/status", submissionEndpoint, url.PathEscape(submissionID))

	resp, err := c.newRequest(ctx, c.http).Get(c.buildURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, newServerError(resp)
	}

	return ParseSubmissionStatus(resp.Body())
}

func (c *Client) newRequest(ctx context.Context, rc *resty.Client) *resty.Request {
	req := rc.R().SetContext(ctx)
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.SetAuthToken(token)
	}
	return req
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.BaseURL(), endpoint)
}

func writeUploadForm(form *multipart.Writer, name, category string, body io.Reader) error {
	if err := form.WriteField("category", category); err != nil {
		return err
	}
	part, err := form.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return form.Close()
}

// progressReader reports how many bytes of the upload body have been read
type progressReader struct {
	r      io.Reader
	sent   int64
	total  int64
	report func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.report(p.sent, p.total)
	}
	return n, err
}
