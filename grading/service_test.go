package grading_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/programme-lv/grader/callback"
	"github.com/programme-lv/grader/event"
	"github.com/programme-lv/grader/eventbus"
	"github.com/programme-lv/grader/grading"
	"github.com/programme-lv/grader/sandbox"
	"github.com/programme-lv/grader/srvcerror"
	"github.com/programme-lv/grader/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolveCall struct {
	root  string
	names []string
}

type fakeResolver struct {
	mu    sync.Mutex
	dir   string
	err   error
	calls []resolveCall
}

func (f *fakeResolver) GetOrDownload(_ context.Context, _ string, root string, names []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resolveCall{root: root, names: append([]string(nil), names...)})
	return f.dir, f.err
}

type fakePublisher struct {
	mu     sync.Mutex
	graded []event.CriterionGraded
	failed []event.CriterionFailed
	notify chan string
}

func newPublisher() *fakePublisher {
	return &fakePublisher{notify: make(chan string, 16)}
}

func (p *fakePublisher) Graded(_ context.Context, e event.CriterionGraded) error {
	p.mu.Lock()
	p.graded = append(p.graded, e)
	p.mu.Unlock()
	p.notify <- e.CriterionName
	return nil
}

func (p *fakePublisher) Failed(_ context.Context, e event.CriterionFailed) error {
	p.mu.Lock()
	p.failed = append(p.failed, e)
	p.mu.Unlock()
	p.notify <- e.CriterionName
	return nil
}

func (p *fakePublisher) snapshot() ([]event.CriterionGraded, []event.CriterionFailed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.CriterionGraded(nil), p.graded...), append([]event.CriterionFailed(nil), p.failed...)
}

// strategyFunc grades with a function keyed by criterion name.
type strategyFunc struct {
	files bool
	grade func(req grading.Request) (grading.Result, error)
}

func (s strategyFunc) Grade(_ context.Context, req grading.Request) (grading.Result, error) {
	return s.grade(req)
}

func (s strategyFunc) RequiresFiles() bool { return s.files }

func request(criteria ...event.Criterion) event.SubmissionStarted {
	return event.SubmissionStarted{
		AssessmentID: "a-1",
		Criteria:     criteria,
		Attachments:  []string{"ref1/main.py"},
	}
}

func TestPartialFailureIsIsolated(t *testing.T) {
	registry := grading.Registry{
		event.PluginStaticAnalysis: strategyFunc{grade: func(req grading.Request) (grading.Result, error) {
			if req.CriterionName == "second" {
				return grading.Result{}, errors.New("engine exploded")
			}
			return grading.Result{Score: 90}, nil
		}},
	}
	pub := newPublisher()
	svc := grading.NewService(registry, &fakeResolver{dir: t.TempDir()}, pub)

	err := svc.Grade(context.Background(), request(
		event.Criterion{Name: "first", Plugin: event.PluginStaticAnalysis},
		event.Criterion{Name: "second", Plugin: event.PluginStaticAnalysis},
		event.Criterion{Name: "third", Plugin: event.PluginStaticAnalysis},
	))
	require.NoError(t, err)

	graded, failed := pub.snapshot()
	require.Len(t, failed, 1)
	assert.Equal(t, "second", failed[0].CriterionName)
	assert.Equal(t, "engine exploded", failed[0].Message)
	assert.Equal(t, "a-1", failed[0].AssessmentID)

	require.Len(t, graded, 2)
	names := []string{graded[0].CriterionName, graded[1].CriterionName}
	sort.Strings(names)
	assert.Equal(t, []string{"first", "third"}, names)
	assert.Equal(t, 90, graded[0].Score)
}

func TestPanicsAndBadScoresBecomeFailures(t *testing.T) {
	registry := grading.Registry{
		event.PluginStaticAnalysis: strategyFunc{grade: func(grading.Request) (grading.Result, error) {
			panic("nil map")
		}},
		event.PluginTypeCoverage: strategyFunc{grade: func(grading.Request) (grading.Result, error) {
			return grading.Result{Score: 140}, nil
		}},
	}
	pub := newPublisher()
	svc := grading.NewService(registry, &fakeResolver{}, pub)

	require.NoError(t, svc.Grade(context.Background(), request(
		event.Criterion{Name: "lint", Plugin: event.PluginStaticAnalysis},
		event.Criterion{Name: "types", Plugin: event.PluginTypeCoverage},
	)))

	graded, failed := pub.snapshot()
	assert.Empty(t, graded)
	require.Len(t, failed, 2)
	msgs := map[string]string{}
	for _, f := range failed {
		msgs[f.CriterionName] = f.Message
	}
	assert.Contains(t, msgs["lint"], "panicked")
	assert.Contains(t, msgs["types"], "outside 0..100")
}

func TestFailedResolutionFailsOnlyFileCriteria(t *testing.T) {
	registry := grading.Registry{
		event.PluginStaticAnalysis: strategyFunc{files: true, grade: func(grading.Request) (grading.Result, error) {
			return grading.Result{Score: 100}, nil
		}},
		event.PluginAIGrader: strategyFunc{grade: func(grading.Request) (grading.Result, error) {
			return grading.Result{Score: 50}, nil
		}},
	}
	pub := newPublisher()
	resolver := &fakeResolver{err: errors.New("bucket unreachable")}
	svc := grading.NewService(registry, resolver, pub)

	require.NoError(t, svc.Grade(context.Background(), request(
		event.Criterion{Name: "lint", Plugin: event.PluginStaticAnalysis},
		event.Criterion{Name: "essay", Plugin: event.PluginAIGrader},
	)))

	graded, failed := pub.snapshot()
	require.Len(t, graded, 1)
	assert.Equal(t, "essay", graded[0].CriterionName)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Message, "bucket unreachable")
}

func TestEachRootIsResolvedOnce(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	registry := grading.Registry{
		event.PluginStaticAnalysis: strategyFunc{files: true, grade: func(req grading.Request) (grading.Result, error) {
			mu.Lock()
			defer mu.Unlock()
			for _, f := range req.Files {
				seen = append(seen, f.Ref)
			}
			return grading.Result{Score: 1}, nil
		}},
	}
	resolver := &fakeResolver{dir: t.TempDir()}
	svc := grading.NewService(registry, resolver, newPublisher())

	req := request(event.Criterion{Name: "lint", Plugin: event.PluginStaticAnalysis})
	req.Attachments = []string{"r2/b.py", "r1/a.py", "r2/c/d.py", "r1/a.py"}
	require.NoError(t, svc.Grade(context.Background(), req))

	require.Len(t, resolver.calls, 2)
	sort.Slice(resolver.calls, func(i, j int) bool { return resolver.calls[i].root < resolver.calls[j].root })
	assert.Equal(t, resolveCall{root: "r1", names: []string{"a.py"}}, resolver.calls[0])
	assert.Equal(t, resolveCall{root: "r2", names: []string{"b.py", "c/d.py"}}, resolver.calls[1])
	assert.Equal(t, []string{"r1/a.py", "r2/b.py", "r2/c/d.py"}, seen)
}

func TestValidationErrors(t *testing.T) {
	registry := grading.Registry{
		event.PluginStaticAnalysis: strategyFunc{files: true},
	}
	svc := grading.NewService(registry, &fakeResolver{}, newPublisher())

	tests := []struct {
		name string
		req  event.SubmissionStarted
	}{
		{"no criteria", event.SubmissionStarted{AssessmentID: "a-1", Attachments: []string{"r/a"}}},
		{"plugin not enabled", request(event.Criterion{Name: "x", Plugin: event.PluginTestRunner})},
		{"files required", event.SubmissionStarted{AssessmentID: "a-1", Criteria: []event.Criterion{{Name: "x", Plugin: event.PluginStaticAnalysis}}}},
		{"bad attachment", event.SubmissionStarted{AssessmentID: "a-1", Criteria: []event.Criterion{{Name: "x", Plugin: event.PluginStaticAnalysis}}, Attachments: []string{"noroot"}}},
		{"escaping attachment", event.SubmissionStarted{AssessmentID: "a-1", Criteria: []event.Criterion{{Name: "x", Plugin: event.PluginStaticAnalysis}}, Attachments: []string{"r/../../etc/passwd"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Grade(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, srvcerror.ErrCodeInvalidRequest, srvcerror.Code(err))
		})
	}
}

type noopExecutor struct{}

func (noopExecutor) Initialize(context.Context, string) error { return nil }
func (noopExecutor) Run(context.Context, string) error        { return nil }

// silentSandbox reports upload and init but never run.
type silentSandbox struct {
	tracker  *callback.Tracker
	uploaded chan string
}

func (s *silentSandbox) Upload(_ context.Context, id string, _ []sandbox.File, _ string) error {
	go func() {
		s.tracker.Handle(context.Background(), callback.Callback{Type: "upload", ID: id})
		s.tracker.Handle(context.Background(), callback.Callback{Type: "init", ID: id})
		s.uploaded <- id
	}()
	return nil
}

func TestTestsWithoutRunCallbackAreNeverReported(t *testing.T) {
	tracker := callback.NewTracker(callback.NewInMemRepo(), noopExecutor{})
	sb := &silentSandbox{tracker: tracker, uploaded: make(chan string, 1)}
	registry := grading.Registry{
		event.PluginStaticAnalysis: strategyFunc{files: true, grade: func(grading.Request) (grading.Result, error) {
			return grading.Result{Score: 88}, nil
		}},
		event.PluginTestRunner: &strategy.TestRunner{Tracker: tracker, Sandbox: sb},
	}
	resolver := &fakeResolver{dir: t.TempDir()}
	pub := newPublisher()
	svc := grading.NewService(registry, resolver, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Grade(ctx, request(
			event.Criterion{Name: "style", Plugin: event.PluginStaticAnalysis},
			event.Criterion{Name: "tests", Plugin: event.PluginTestRunner},
		))
	}()

	select {
	case name := <-pub.notify:
		assert.Equal(t, "style", name)
	case <-time.After(2 * time.Second):
		t.Fatal("style was not graded")
	}
	var id string
	select {
	case id = <-sb.uploaded:
	case <-time.After(2 * time.Second):
		t.Fatal("tests were not uploaded")
	}
	rec, err := tracker.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, callback.StateRunning, rec.State)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("grading did not return after cancellation")
	}

	graded, failed := pub.snapshot()
	require.Len(t, graded, 1)
	assert.Equal(t, "style", graded[0].CriterionName)
	assert.Equal(t, 88, graded[0].Score)
	assert.Empty(t, failed)
	assert.Equal(t, []resolveCall{{root: "ref1", names: []string{"main.py"}}}, resolver.calls)
}

func TestConsumeDeadLettersInvalidRequests(t *testing.T) {
	broker := eventbus.NewMemoryBroker()
	tr := eventbus.New(broker, event.JSONTransformer{})
	pub := newPublisher()
	registry := grading.Registry{
		event.PluginStaticAnalysis: strategyFunc{grade: func(grading.Request) (grading.Result, error) {
			return grading.Result{Score: 70}, nil
		}},
	}
	svc := grading.NewService(registry, &fakeResolver{}, pub)
	ctx := context.Background()
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, svc.Shutdown(sctx))
		require.NoError(t, tr.Shutdown(sctx))
	})

	require.NoError(t, svc.Consume(ctx, tr))

	// known to the catalog but not enabled in this registry
	invalid := request(event.Criterion{Name: "tests", Plugin: event.PluginTestRunner})
	require.NoError(t, eventbus.Emit(ctx, tr, event.SubmissionStartedEvent, invalid))
	valid := request(event.Criterion{Name: "lint", Plugin: event.PluginStaticAnalysis})
	require.NoError(t, eventbus.Emit(ctx, tr, event.SubmissionStartedEvent, valid))

	select {
	case name := <-pub.notify:
		assert.Equal(t, "lint", name)
	case <-time.After(2 * time.Second):
		t.Fatal("valid request was not graded")
	}
	require.Eventually(t, func() bool {
		return len(broker.DeadLetters(event.TopicSubmissionStarted)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, failed := pub.snapshot()
	assert.Empty(t, failed)
}

func TestUnpublishableResultsBecomeFailures(t *testing.T) {
	registry := grading.Registry{
		event.PluginAIGrader: strategyFunc{grade: func(grading.Request) (grading.Result, error) {
			return grading.Result{Score: 70, Feedback: []event.FeedbackItem{{Message: ""}}}, nil
		}},
		event.PluginStaticAnalysis: strategyFunc{grade: func(grading.Request) (grading.Result, error) {
			return grading.Result{}, errors.New("")
		}},
	}
	pub := newPublisher()
	svc := grading.NewService(registry, &fakeResolver{}, pub)

	require.NoError(t, svc.Grade(context.Background(), request(
		event.Criterion{Name: "review", Plugin: event.PluginAIGrader},
		event.Criterion{Name: "lint", Plugin: event.PluginStaticAnalysis},
	)))

	graded, failed := pub.snapshot()
	assert.Empty(t, graded)
	require.Len(t, failed, 2)
	byName := map[string]event.CriterionFailed{}
	for _, f := range failed {
		require.NoError(t, event.CriterionFailedEvent.Validate(f))
		byName[f.CriterionName] = f
	}
	assert.Contains(t, byName["review"].Message, "invalid result")
	assert.Equal(t, "strategy returned an empty error", byName["lint"].Message)
}

func TestEmptyFeedbackIsPublishedAsFailureOnTheBus(t *testing.T) {
	broker := eventbus.NewMemoryBroker()
	broker.Declare(event.TopicCriterionGraded)
	broker.Declare(event.TopicCriterionFailed)
	tr := eventbus.New(broker, event.JSONTransformer{})
	t.Cleanup(func() { tr.Shutdown(context.Background()) })

	registry := grading.Registry{
		event.PluginAIGrader: strategyFunc{grade: func(grading.Request) (grading.Result, error) {
			return grading.Result{Score: 70, Feedback: []event.FeedbackItem{{Message: ""}}}, nil
		}},
	}
	svc := grading.NewService(registry, &fakeResolver{}, grading.BusPublisher{Transporter: tr})
	require.NoError(t, svc.Grade(context.Background(), request(
		event.Criterion{Name: "review", Plugin: event.PluginAIGrader},
	)))

	assert.Equal(t, 0, broker.Pending(event.TopicCriterionGraded))
	assert.Equal(t, 1, broker.Pending(event.TopicCriterionFailed))
}

// ctxStrategy is a strategyFunc that sees the grading context.
type ctxStrategy func(ctx context.Context, req grading.Request) (grading.Result, error)

func (s ctxStrategy) Grade(ctx context.Context, req grading.Request) (grading.Result, error) {
	return s(ctx, req)
}

func (s ctxStrategy) RequiresFiles() bool { return false }

func TestWaitingCriteriaDoNotStarveOthers(t *testing.T) {
	registry := grading.Registry{
		event.PluginTestRunner: ctxStrategy(func(ctx context.Context, req grading.Request) (grading.Result, error) {
			release, err := req.Throttle(ctx)
			if err != nil {
				return grading.Result{}, err
			}
			release()
			<-ctx.Done()
			return grading.Result{}, ctx.Err()
		}),
		event.PluginStaticAnalysis: strategyFunc{grade: func(grading.Request) (grading.Result, error) {
			return grading.Result{Score: 100}, nil
		}},
	}
	pub := newPublisher()
	svc := grading.NewService(registry, &fakeResolver{}, pub)

	var criteria []event.Criterion
	for i := 0; i < 2*grading.DefaultMaxParallel; i++ {
		criteria = append(criteria, event.Criterion{Name: fmt.Sprintf("tests-%d", i), Plugin: event.PluginTestRunner})
	}
	criteria = append(criteria, event.Criterion{Name: "fast", Plugin: event.PluginStaticAnalysis})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Grade(ctx, request(criteria...)) }()

	select {
	case name := <-pub.notify:
		assert.Equal(t, "fast", name)
	case <-time.After(2 * time.Second):
		t.Fatal("fast criterion was not published while others wait")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("grading did not return after cancel")
	}
	graded, failed := pub.snapshot()
	assert.Len(t, graded, 1)
	assert.Empty(t, failed)
}

func TestThrottleBoundsConcurrentWork(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	registry := grading.Registry{
		event.PluginStaticAnalysis: ctxStrategy(func(ctx context.Context, req grading.Request) (grading.Result, error) {
			release, err := req.Throttle(ctx)
			if err != nil {
				return grading.Result{}, err
			}
			defer release()
			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return grading.Result{Score: 50}, nil
		}),
	}
	pub := newPublisher()
	svc := grading.NewService(registry, &fakeResolver{}, pub, grading.WithMaxParallel(2))

	var criteria []event.Criterion
	for i := 0; i < 6; i++ {
		criteria = append(criteria, event.Criterion{Name: fmt.Sprintf("lint-%d", i), Plugin: event.PluginStaticAnalysis})
	}
	require.NoError(t, svc.Grade(context.Background(), request(criteria...)))

	graded, _ := pub.snapshot()
	assert.Len(t, graded, 6)
	assert.LessOrEqual(t, peak, 2)
}
