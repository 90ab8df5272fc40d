package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/programme-lv/grader/event"
	"github.com/programme-lv/grader/grading"
)

// StaticAnalysisConfig is the TOML criterion config, e.g.
//
//	max_score = 100
//	ignore = ["E501"]
//	[penalty]
//	error = 10
//	warning = 3
type StaticAnalysisConfig struct {
	MaxScore int `toml:"max_score"`
	Penalty  struct {
		Error   int `toml:"error"`
		Warning int `toml:"warning"`
		Info    int `toml:"info"`
	} `toml:"penalty"`
	Ignore []string `toml:"ignore"`
}

func parseStaticAnalysisConfig(raw string) (StaticAnalysisConfig, error) {
	var cfg StaticAnalysisConfig
	cfg.MaxScore = 100
	cfg.Penalty.Error = 10
	cfg.Penalty.Warning = 3
	if err := toml.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("invalid static analysis config: %w", err)
	}
	if cfg.MaxScore < 0 || cfg.MaxScore > 100 {
		return cfg, fmt.Errorf("max_score must be within 0..100, got %d", cfg.MaxScore)
	}
	if cfg.Penalty.Error < 0 || cfg.Penalty.Warning < 0 || cfg.Penalty.Info < 0 {
		return cfg, fmt.Errorf("penalties must not be negative")
	}
	return cfg, nil
}

type StaticAnalysis struct {
	Engine Analyzer
}

func (s *StaticAnalysis) RequiresFiles() bool { return true }

// Grade deducts a per-severity penalty for every reported issue from
// max_score, not going below zero.
func (s *StaticAnalysis) Grade(ctx context.Context, req grading.Request) (grading.Result, error) {
	cfg, err := parseStaticAnalysisConfig(req.Config)
	if err != nil {
		return grading.Result{}, err
	}
	report, err := s.analyze(ctx, req)
	if err != nil {
		return grading.Result{}, fmt.Errorf("static analysis failed: %w", err)
	}

	ignored := make(map[string]bool, len(cfg.Ignore))
	for _, rule := range cfg.Ignore {
		ignored[rule] = true
	}

	score := cfg.MaxScore
	var feedback []event.FeedbackItem
	for _, issue := range report.Issues {
		if ignored[issue.Rule] {
			continue
		}
		severity := issue.Severity
		switch severity {
		case "error":
			score -= cfg.Penalty.Error
		case "warning":
			score -= cfg.Penalty.Warning
		default:
			severity = "info"
			score -= cfg.Penalty.Info
		}
		msg := issue.Message
		if strings.TrimSpace(msg) == "" {
			msg = "issue reported without a message"
		}
		if issue.Rule != "" {
			msg = issue.Rule + ": " + msg
		}
		feedback = append(feedback, event.FeedbackItem{
			Message:  msg,
			File:     issue.File,
			Line:     max(issue.Line, 0),
			Severity: severity,
		})
	}
	return grading.Result{Score: max(score, 0), Feedback: feedback}, nil
}

func (s *StaticAnalysis) analyze(ctx context.Context, req grading.Request) (AnalysisReport, error) {
	release, err := req.Throttle(ctx)
	if err != nil {
		return AnalysisReport{}, err
	}
	defer release()
	files, err := readFiles(req.Files)
	if err != nil {
		return AnalysisReport{}, err
	}
	return s.Engine.Analyze(ctx, files)
}
