package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/programme-lv/grader/callback"
)

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(server string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(server, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type jsonResponse[T any] struct {
	Status  string `json:"status"`
	Data    T      `json:"data"`
	ErrCode string `json:"code"`
	ErrMsg  string `json:"message"`
}

func decodeResponse[T any](resp *http.Response) (T, error) {
	var out jsonResponse[T]
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out.Data, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if out.Status != "success" {
		return out.Data, fmt.Errorf("server error %s: %s", out.ErrCode, out.ErrMsg)
	}
	return out.Data, nil
}

type assessmentRequest struct {
	AssessmentID string            `json:"assessment_id,omitempty"`
	Criteria     []criterionArg   `json:"criteria"`
	Attachments  []string          `json:"attachments"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type criterionArg struct {
	Name   string `json:"name"`
	Plugin string `json:"plugin"`
	Config string `json:"config,omitempty"`
}

func (c *apiClient) submit(ctx context.Context, req assessmentRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/assessments", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to submit assessment: %w", err)
	}
	defer resp.Body.Close()
	out, err := decodeResponse[struct {
		AssessmentID string `json:"assessment_id"`
	}](resp)
	if err != nil {
		return "", err
	}
	return out.AssessmentID, nil
}

func (c *apiClient) submission(ctx context.Context, id string) (callback.Record, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/submissions/"+url.PathEscape(id), nil)
	if err != nil {
		return callback.Record{}, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return callback.Record{}, fmt.Errorf("failed to get submission: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse[callback.Record](resp)
}

// sendCallback plays the sandbox's part, which is useful for driving a
// submission by hand.
func (c *apiClient) sendCallback(ctx context.Context, typ, id, token string, body []byte) error {
	q := url.Values{"type": {typ}, "id": {id}}
	if token != "" {
		q.Set("token", token)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/callback?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var out struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &out) == nil && out.Error != "" {
			return fmt.Errorf("callback rejected with %d: %s", resp.StatusCode, out.Error)
		}
		return fmt.Errorf("callback rejected with %d", resp.StatusCode)
	}
	return nil
}
