package event

import "fmt"

const (
	TopicSubmissionStarted = "grading.submission.started"
	TopicCriterionGraded   = "grading.criterion.graded"
	TopicCriterionFailed   = "grading.criterion.failed"
)

type Plugin string

const (
	PluginStaticAnalysis Plugin = "static-analysis"
	PluginTestRunner     Plugin = "test-runner"
	PluginTypeCoverage   Plugin = "type-coverage"
	PluginAIGrader       Plugin = "ai-grader"
)

var Plugins = []Plugin{PluginStaticAnalysis, PluginTestRunner, PluginTypeCoverage, PluginAIGrader}

func (p Plugin) Known() bool {
	for _, known := range Plugins {
		if p == known {
			return true
		}
	}
	return false
}

type Criterion struct {
	Name   string `json:"name" validate:"required"`
	Plugin Plugin `json:"plugin" validate:"required,oneof=static-analysis test-runner type-coverage ai-grader"`
	Config string `json:"config"`
}

// SubmissionStarted requests grading of one assessment. Attachments are
// object keys shaped "<root>/<relative path>".
type SubmissionStarted struct {
	AssessmentID string            `json:"assessment_id" validate:"required"`
	Criteria     []Criterion       `json:"criteria" validate:"required,min=1,dive"`
	Attachments  []string          `json:"attachments" validate:"dive,required"`
	Metadata     map[string]string `json:"metadata"`
}

func (s SubmissionStarted) Validate() error {
	seen := make(map[string]struct{}, len(s.Criteria))
	for _, c := range s.Criteria {
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate criterion %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

type FeedbackItem struct {
	Message  string `json:"message" validate:"required"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty" validate:"gte=0"`
	Severity string `json:"severity,omitempty" validate:"omitempty,oneof=info warning error"`
}

type CriterionGraded struct {
	AssessmentID  string         `json:"assessment_id" validate:"required"`
	CriterionName string         `json:"criterion_name" validate:"required"`
	Plugin        Plugin         `json:"plugin" validate:"required"`
	Score         int            `json:"score" validate:"gte=0,lte=100"`
	Feedback      []FeedbackItem `json:"feedback" validate:"dive"`
}

type CriterionFailed struct {
	AssessmentID  string `json:"assessment_id" validate:"required"`
	CriterionName string `json:"criterion_name" validate:"required"`
	Plugin        Plugin `json:"plugin" validate:"required"`
	Message       string `json:"message" validate:"required"`
}

var (
	SubmissionStartedEvent = NewDescriptor[SubmissionStarted](TopicSubmissionStarted, 1)
	CriterionGradedEvent   = NewDescriptor[CriterionGraded](TopicCriterionGraded, 1)
	CriterionFailedEvent   = NewDescriptor[CriterionFailed](TopicCriterionFailed, 1)
)
