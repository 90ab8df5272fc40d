package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/programme-lv/grader/grading"
)

// maxFileBytes caps how much of one file is sent to a remote engine.
const maxFileBytes = 256 << 10

type SourceFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func readFiles(files []grading.File) ([]SourceFile, error) {
	out := make([]SourceFile, 0, len(files))
	for _, f := range files {
		fh, err := os.Open(f.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(fh, maxFileBytes))
		fh.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		out = append(out, SourceFile{Name: f.Name, Content: string(data)})
	}
	return out, nil
}

type Issue struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Severity string `json:"severity"` // error, warning or info
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

type AnalysisReport struct {
	Issues []Issue `json:"issues"`
}

type Location struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

type CoverageReport struct {
	Covered   int        `json:"covered"`
	Total     int        `json:"total"`
	Uncovered []Location `json:"uncovered"`
}

// Analyzer is a remote static analysis engine.
type Analyzer interface {
	Analyze(ctx context.Context, files []SourceFile) (AnalysisReport, error)
}

// CoverageAnalyzer is a remote type-coverage engine.
type CoverageAnalyzer interface {
	Coverage(ctx context.Context, files []SourceFile) (CoverageReport, error)
}

// Completer is a remote language model gateway.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// EngineClient calls an opaque JSON-over-HTTP engine.
type EngineClient struct {
	base string
	http *http.Client
}

func NewEngineClient(baseURL string, httpClient *http.Client) *EngineClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &EngineClient{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *EngineClient) Analyze(ctx context.Context, files []SourceFile) (AnalysisReport, error) {
	var report AnalysisReport
	err := c.call(ctx, "/analyze", map[string]any{"files": files}, &report)
	return report, err
}

func (c *EngineClient) Coverage(ctx context.Context, files []SourceFile) (CoverageReport, error) {
	var report CoverageReport
	err := c.call(ctx, "/coverage", map[string]any{"files": files}, &report)
	return report, err
}

func (c *EngineClient) call(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal engine request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("engine request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode engine response: %w", err)
	}
	return nil
}

// LLMClient is a Completer backed by a model gateway exposing
// POST /v1/complete {"model","prompt"} -> {"text"}.
type LLMClient struct {
	engine *EngineClient
	model  string
}

func NewLLMClient(baseURL string, model string, httpClient *http.Client) *LLMClient {
	return &LLMClient{engine: NewEngineClient(baseURL, httpClient), model: model}
}

func (c *LLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := c.engine.call(ctx, "/v1/complete", map[string]string{"model": c.model, "prompt": prompt}, &out)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}
