package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/pelletier/go-toml/v2"
	"github.com/programme-lv/grader/event"
	"github.com/programme-lv/grader/grading"
)

const maxCoverageFeedback = 20

// TypeCoverageConfig: coverage below threshold scores 0, coverage at or
// above target scores 100, linear in between.
type TypeCoverageConfig struct {
	Threshold float64 `toml:"threshold"`
	Target    float64 `toml:"target"`
}

func parseTypeCoverageConfig(raw string) (TypeCoverageConfig, error) {
	cfg := TypeCoverageConfig{Threshold: 0, Target: 1}
	if err := toml.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("invalid type coverage config: %w", err)
	}
	if cfg.Target <= 0 || cfg.Target > 1 {
		return cfg, fmt.Errorf("target must be within (0, 1], got %v", cfg.Target)
	}
	if cfg.Threshold < 0 || cfg.Threshold > cfg.Target {
		return cfg, fmt.Errorf("threshold must be within [0, target], got %v", cfg.Threshold)
	}
	return cfg, nil
}

type TypeCoverage struct {
	Engine CoverageAnalyzer
}

func (s *TypeCoverage) RequiresFiles() bool { return true }

func (s *TypeCoverage) Grade(ctx context.Context, req grading.Request) (grading.Result, error) {
	cfg, err := parseTypeCoverageConfig(req.Config)
	if err != nil {
		return grading.Result{}, err
	}
	report, err := s.coverage(ctx, req)
	if err != nil {
		return grading.Result{}, fmt.Errorf("type coverage failed: %w", err)
	}
	if report.Total < 0 || report.Covered < 0 || report.Covered > report.Total {
		return grading.Result{}, fmt.Errorf("engine reported %d of %d covered", report.Covered, report.Total)
	}

	ratio := 1.0
	if report.Total > 0 {
		ratio = float64(report.Covered) / float64(report.Total)
	}
	feedback := []event.FeedbackItem{{
		Message:  fmt.Sprintf("%d of %d annotations covered (%.1f%%)", report.Covered, report.Total, ratio*100),
		Severity: "info",
	}}
	for i, loc := range report.Uncovered {
		if i == maxCoverageFeedback {
			feedback = append(feedback, event.FeedbackItem{
				Message:  fmt.Sprintf("%d more untyped locations", len(report.Uncovered)-i),
				Severity: "info",
			})
			break
		}
		feedback = append(feedback, event.FeedbackItem{
			Message:  "missing type annotation",
			File:     loc.File,
			Line:     max(loc.Line, 0),
			Severity: "warning",
		})
	}
	return grading.Result{Score: coverageScore(ratio, cfg), Feedback: feedback}, nil
}

func coverageScore(ratio float64, cfg TypeCoverageConfig) int {
	if ratio < cfg.Threshold {
		return 0
	}
	if ratio >= cfg.Target {
		return 100
	}
	return int(math.Round(100 * ratio / cfg.Target))
}

func (s *TypeCoverage) coverage(ctx context.Context, req grading.Request) (CoverageReport, error) {
	release, err := req.Throttle(ctx)
	if err != nil {
		return CoverageReport{}, err
	}
	defer release()
	files, err := readFiles(req.Files)
	if err != nil {
		return CoverageReport{}, err
	}
	return s.Engine.Coverage(ctx, files)
}
