package strategy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/programme-lv/grader/callback"
	"github.com/programme-lv/grader/event"
	"github.com/programme-lv/grader/grading"
	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/sandbox"
)

const maxTestFeedback = 50

// Registrar is the part of callback.Tracker the test runner needs.
type Registrar interface {
	Register(ctx context.Context, id string) (<-chan callback.Result, error)
	Forget(id string)
}

type Uploader interface {
	Upload(ctx context.Context, id string, files []sandbox.File, callbackURL string) error
}

// TestRunner executes the attachments' tests in the remote sandbox. The
// sandbox drives the submission through callbacks; Grade blocks until the
// tracker reports a terminal state or ctx is cancelled.
type TestRunner struct {
	Tracker   Registrar
	Sandbox   Uploader
	Signer    *callback.Signer
	PublicURL string

	NewID func() string
}

func (s *TestRunner) RequiresFiles() bool { return true }

func (s *TestRunner) Grade(ctx context.Context, req grading.Request) (grading.Result, error) {
	newID := s.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	id := newID()
	ctx = logger.WithSubmissionID(ctx, id)
	log := logger.FromContext(ctx).With("module", "strategy", "criterion", req.CriterionName)

	done, err := s.Tracker.Register(ctx, id)
	if err != nil {
		return grading.Result{}, fmt.Errorf("failed to register submission: %w", err)
	}
	defer s.Tracker.Forget(id)

	callbackURL, err := s.Signer.URL(s.PublicURL, id)
	if err != nil {
		return grading.Result{}, fmt.Errorf("failed to build callback url: %w", err)
	}
	files := make([]sandbox.File, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, sandbox.File{Name: f.Name, Path: f.Path})
	}
	if err := s.upload(ctx, req, id, files, callbackURL); err != nil {
		return grading.Result{}, err
	}
	log.Info("uploaded submission to sandbox", "files", len(files))

	select {
	case res := <-done:
		if res.Err != nil {
			return grading.Result{}, res.Err
		}
		if res.Run == nil {
			return grading.Result{}, fmt.Errorf("submission finished without a run result")
		}
		return scoreRun(*res.Run)
	case <-ctx.Done():
		return grading.Result{}, ctx.Err()
	}
}

// upload holds a throttle slot only while sending; waiting for callbacks
// takes none.
func (s *TestRunner) upload(ctx context.Context, req grading.Request, id string, files []sandbox.File, callbackURL string) error {
	release, err := req.Throttle(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.Sandbox.Upload(ctx, id, files, callbackURL)
}

func scoreRun(run sandbox.RunResult) (grading.Result, error) {
	total := len(run.Tests)
	if total == 0 {
		return grading.Result{}, fmt.Errorf("no tests were run (exit code %d)", run.ExitCode)
	}
	passed := run.Passed()
	feedback := []event.FeedbackItem{{
		Message:  fmt.Sprintf("%d of %d tests passed", passed, total),
		Severity: "info",
	}}
	shown := 0
	for _, tc := range run.Tests {
		if tc.Passed {
			continue
		}
		if shown == maxTestFeedback {
			feedback = append(feedback, event.FeedbackItem{
				Message:  fmt.Sprintf("%d more failing tests", total-passed-shown),
				Severity: "info",
			})
			break
		}
		msg := tc.Name + " failed"
		if tc.Message != "" {
			msg += ": " + tc.Message
		}
		feedback = append(feedback, event.FeedbackItem{Message: msg, Severity: "error"})
		shown++
	}
	return grading.Result{Score: 100 * passed / total, Feedback: feedback}, nil
}
