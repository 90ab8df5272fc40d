package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const ArchiveContentType = "application/x-tar+zstd"

// Client talks to the remote sandbox executor. The executor reports the
// progress of each phase by calling back the url given at upload.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   httpClient,
		logger: slog.Default().With("module", "sandbox"),
	}
}

// Upload sends files to the sandbox as submission id. The sandbox answers
// with an upload callback to callbackURL.
func (c *Client) Upload(ctx context.Context, id string, files []File, callbackURL string) error {
	var body bytes.Buffer
	if err := WriteArchive(&body, files); err != nil {
		return fmt.Errorf("failed to archive submission: %w", err)
	}
	size := body.Len()
	q := url.Values{"callback": {callbackURL}}
	endpoint := fmt.Sprintf("%s/submissions/%s?%s", c.base, url.PathEscape(id), q.Encode())
	if err := c.post(ctx, "upload", endpoint, ArchiveContentType, &body); err != nil {
		return err
	}
	c.logger.Info("uploaded submission", "submission_id", id, "files", len(files), "bytes", size)
	return nil
}

func (c *Client) Initialize(ctx context.Context, id string) error {
	return c.post(ctx, "initialize", fmt.Sprintf("%s/submissions/%s/initialize", c.base, url.PathEscape(id)), "", nil)
}

func (c *Client) Run(ctx context.Context, id string) error {
	return c.post(ctx, "run", fmt.Sprintf("%s/submissions/%s/run", c.base, url.PathEscape(id)), "", nil)
}

func (c *Client) post(ctx context.Context, op string, endpoint string, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox %s failed: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sandbox %s returned %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

type TestCase struct {
	Name       string `json:"name" validate:"required"`
	Passed     bool   `json:"passed"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// RunResult is the body of a run callback.
type RunResult struct {
	ExitCode int        `json:"exit_code"`
	Stdout   string     `json:"stdout,omitempty"`
	Stderr   string     `json:"stderr,omitempty"`
	Tests    []TestCase `json:"tests" validate:"dive"`
	Error    string     `json:"error,omitempty"` // set when the sandbox could not execute the tests
}

func (r RunResult) Passed() int {
	n := 0
	for _, t := range r.Tests {
		if t.Passed {
			n++
		}
	}
	return n
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func ParseRunResult(body []byte) (RunResult, error) {
	var res RunResult
	if err := json.Unmarshal(body, &res); err != nil {
		return RunResult{}, fmt.Errorf("malformed run result: %w", err)
	}
	if err := validate.Struct(res); err != nil {
		return RunResult{}, fmt.Errorf("invalid run result: %w", err)
	}
	return res, nil
}
