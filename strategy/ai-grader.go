package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/programme-lv/grader/event"
	"github.com/programme-lv/grader/grading"
)

const replyFormat = `Reply with a single JSON object and nothing else:
{"score": <integer 0-100>, "feedback": [{"message": "...", "file": "...", "line": 0, "severity": "info|warning|error"}]}`

// AIGrader grades against a free-text rubric, the criterion config, using a
// language model.
type AIGrader struct {
	LLM Completer
}

func (s *AIGrader) RequiresFiles() bool { return true }

func (s *AIGrader) Grade(ctx context.Context, req grading.Request) (grading.Result, error) {
	rubric := strings.TrimSpace(req.Config)
	if rubric == "" {
		return grading.Result{}, fmt.Errorf("ai grader needs a rubric in the criterion config")
	}
	release, err := req.Throttle(ctx)
	if err != nil {
		return grading.Result{}, err
	}
	defer release()
	files, err := readFiles(req.Files)
	if err != nil {
		return grading.Result{}, err
	}
	reply, err := s.LLM.Complete(ctx, buildPrompt(rubric, files))
	if err != nil {
		return grading.Result{}, fmt.Errorf("model request failed: %w", err)
	}
	return parseReply(reply)
}

func buildPrompt(rubric string, files []SourceFile) string {
	var b strings.Builder
	b.WriteString("Grade the submission below using this rubric.\n\n")
	b.WriteString(rubric)
	b.WriteString("\n\n")
	for _, f := range files {
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", f.Name, f.Content)
	}
	b.WriteString(replyFormat)
	return b.String()
}

// parseReply extracts the outermost JSON object, tolerating prose or code
// fences around it.
func parseReply(reply string) (grading.Result, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return grading.Result{}, fmt.Errorf("model reply contains no JSON object")
	}
	var out struct {
		Score    *int                 `json:"score"`
		Feedback []event.FeedbackItem `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return grading.Result{}, fmt.Errorf("malformed model reply: %w", err)
	}
	if out.Score == nil {
		return grading.Result{}, fmt.Errorf("model reply has no score")
	}
	feedback := make([]event.FeedbackItem, 0, len(out.Feedback))
	for _, item := range out.Feedback {
		if strings.TrimSpace(item.Message) == "" {
			continue
		}
		switch item.Severity {
		case "info", "warning", "error":
		default:
			item.Severity = "info"
		}
		item.Line = max(item.Line, 0)
		feedback = append(feedback, item)
	}
	return grading.Result{Score: *out.Score, Feedback: feedback}, nil
}
