package grading

import (
	"context"
	"fmt"

	"github.com/programme-lv/grader/event"
)

type Plugin = event.Plugin

// File is one resolved attachment.
type File struct {
	Ref  string // <root>/<name> as given in the request
	Name string // path relative to the root
	Path string // local path of the downloaded copy
}

type Request struct {
	AssessmentID  string
	CriterionName string
	Plugin        Plugin
	Config        string
	Files         []File
	Metadata      map[string]string

	acquire func(ctx context.Context) (func(), error)
}

// Throttle blocks until the strategy may do bounded work such as reading
// attachments or calling a remote engine. Waiting on callbacks must happen
// outside of it. The returned func releases the slot.
func (r Request) Throttle(ctx context.Context) (func(), error) {
	if r.acquire == nil {
		return func() {}, nil
	}
	return r.acquire(ctx)
}

type Result struct {
	Score    int
	Feedback []event.FeedbackItem
}

// Strategy grades one criterion.
type Strategy interface {
	Grade(ctx context.Context, req Request) (Result, error)
	// RequiresFiles reports whether the strategy needs the attachments.
	RequiresFiles() bool
}

// Registry maps every supported plugin to its strategy. It is built once at
// startup and not modified afterwards.
type Registry map[Plugin]Strategy

func (r Registry) Lookup(p Plugin) (Strategy, error) {
	s, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("plugin %q is not enabled", p)
	}
	return s, nil
}

// Outcome is a successfully graded criterion.
type Outcome struct {
	CriterionName string
	Plugin        Plugin
	Score         int
	Feedback      []event.FeedbackItem
}

// CriterionError is a criterion that could not be graded.
type CriterionError struct {
	CriterionName string
	Plugin        Plugin
	Message       string
}

func (e *CriterionError) Error() string {
	return fmt.Sprintf("criterion %s (%s): %s", e.CriterionName, e.Plugin, e.Message)
}
