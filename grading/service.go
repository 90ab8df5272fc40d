package grading

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/programme-lv/grader/event"
	"github.com/programme-lv/grader/eventbus"
	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/metrics"
	"github.com/programme-lv/grader/srvcerror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxParallel bounds the throttled work of all criteria in flight.
const DefaultMaxParallel = 8

const emptyErrorMessage = "strategy returned an empty error"

// Resolver materializes the files of one blob root; dlcache.Cache
// satisfies it.
type Resolver interface {
	GetOrDownload(ctx context.Context, key string, root string, names []string) (string, error)
}

// Publisher emits criterion outcomes.
type Publisher interface {
	Graded(ctx context.Context, e event.CriterionGraded) error
	Failed(ctx context.Context, e event.CriterionFailed) error
}

// BusPublisher publishes outcomes through a transporter.
type BusPublisher struct {
	Transporter *eventbus.Transporter
}

func (p BusPublisher) Graded(ctx context.Context, e event.CriterionGraded) error {
	return eventbus.Emit(ctx, p.Transporter, event.CriterionGradedEvent, e)
}

func (p BusPublisher) Failed(ctx context.Context, e event.CriterionFailed) error {
	return eventbus.Emit(ctx, p.Transporter, event.CriterionFailedEvent, e)
}

type Service struct {
	registry    Registry
	files       Resolver
	pub         Publisher
	maxParallel int
	sem         *semaphore.Weighted
	m           *metrics.Metrics
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Service)

func WithMaxParallel(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxParallel = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.m = m }
}

func NewService(registry Registry, files Resolver, pub Publisher, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		registry:    registry,
		files:       files,
		pub:         pub,
		maxParallel: DefaultMaxParallel,
		logger:      slog.Default().With("module", "grading"),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.maxParallel))
	return s
}

func (s *Service) acquire(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { s.sem.Release(1) }) }, nil
}

// Validate checks a request before any work is done for it.
func (s *Service) Validate(req event.SubmissionStarted) error {
	if err := event.SubmissionStartedEvent.Validate(req); err != nil {
		return srvcerror.ErrInvalidRequest("malformed grading request").SetDebug(err)
	}
	needsFiles := false
	for _, c := range req.Criteria {
		strategy, err := s.registry.Lookup(c.Plugin)
		if err != nil {
			return srvcerror.ErrInvalidRequest(fmt.Sprintf("criterion %s: %v", c.Name, err))
		}
		needsFiles = needsFiles || strategy.RequiresFiles()
	}
	if needsFiles && len(req.Attachments) == 0 {
		return srvcerror.ErrInvalidRequest("criteria require attachments but none were given")
	}
	for _, ref := range req.Attachments {
		if _, _, err := splitRef(ref); err != nil {
			return srvcerror.ErrInvalidRequest(err.Error())
		}
	}
	return nil
}

// splitRef splits "<root>/<name>" into its parts.
func splitRef(ref string) (root string, name string, err error) {
	root, name, ok := strings.Cut(ref, "/")
	if !ok || root == "" || name == "" || !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", "", fmt.Errorf("attachment %q is not of the form <root>/<path>", ref)
	}
	return root, name, nil
}

// Grade validates req, resolves its attachments and grades every criterion
// concurrently, publishing one outcome per criterion as soon as it is known.
// Every criterion gets its own goroutine; only the work a strategy wraps in
// Request.Throttle is bounded. Only an invalid request is reported as an error.
func (s *Service) Grade(ctx context.Context, req event.SubmissionStarted) error {
	if err := s.Validate(req); err != nil {
		return err
	}
	ctx = logger.WithAssessment(ctx, req.AssessmentID)
	log := logger.FromContext(ctx).With("module", "grading")
	log.Info("grading submission", "criteria", len(req.Criteria), "attachments", len(req.Attachments))

	files, resolveErr := s.resolve(ctx, req.Attachments)

	var g errgroup.Group
	for _, c := range req.Criteria {
		c := c
		g.Go(func() error {
			s.evaluate(ctx, req, c, files, resolveErr)
			return nil
		})
	}
	g.Wait()
	return nil
}

// resolve downloads every root once. A failed root fails every criterion
// that needs files; the first error is returned.
func (s *Service) resolve(ctx context.Context, refs []string) ([]File, error) {
	byRoot := make(map[string][]string)
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		root, name, _ := splitRef(ref)
		byRoot[root] = append(byRoot[root], name)
	}
	roots := make([]string, 0, len(byRoot))
	for root := range byRoot {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	dirs := make([]string, len(roots))
	g, gctx := errgroup.WithContext(ctx)
	for i, root := range roots {
		i, root := i, root
		g.Go(func() error {
			dir, err := s.files.GetOrDownload(gctx, root, root, byRoot[root])
			if err != nil {
				return fmt.Errorf("failed to resolve attachments under %s: %w", root, err)
			}
			dirs[i] = dir
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.FromContext(ctx).Error("attachment resolution failed", "module", "grading", "error", err)
		return nil, err
	}

	var files []File
	for i, root := range roots {
		for _, name := range byRoot[root] {
			files = append(files, File{
				Ref:  root + "/" + name,
				Name: name,
				Path: filepath.Join(dirs[i], filepath.FromSlash(name)),
			})
		}
	}
	return files, nil
}

func (s *Service) evaluate(ctx context.Context, req event.SubmissionStarted, c event.Criterion, files []File, resolveErr error) {
	log := logger.FromContext(ctx).With("module", "grading", "criterion", c.Name, "plugin", c.Plugin)
	start := time.Now()

	outcome, cerr := s.gradeCriterion(ctx, req, c, files, resolveErr)
	if ctx.Err() != nil {
		// abandoned on shutdown, nothing is reported
		log.Warn("criterion abandoned", "error", ctx.Err())
		return
	}
	if cerr != nil {
		s.m.CriterionFailed(string(c.Plugin), time.Since(start))
		log.Warn("criterion failed", "error", cerr.Message)
		pubErr := s.pub.Failed(ctx, event.CriterionFailed{
			AssessmentID:  req.AssessmentID,
			CriterionName: cerr.CriterionName,
			Plugin:        cerr.Plugin,
			Message:       cerr.Message,
		})
		if pubErr != nil {
			log.Error("failed to publish criterion failure", "error", pubErr)
		}
		return
	}

	s.m.CriterionGraded(string(c.Plugin), time.Since(start))
	log.Info("criterion graded", "score", outcome.Score)
	pubErr := s.pub.Graded(ctx, event.CriterionGraded{
		AssessmentID:  req.AssessmentID,
		CriterionName: outcome.CriterionName,
		Plugin:        outcome.Plugin,
		Score:         outcome.Score,
		Feedback:      outcome.Feedback,
	})
	if pubErr != nil {
		log.Error("failed to publish criterion outcome", "error", pubErr)
	}
}

// gradeCriterion runs one strategy, turning errors, panics and invalid
// scores into a CriterionError.
func (s *Service) gradeCriterion(ctx context.Context, req event.SubmissionStarted, c event.Criterion, files []File, resolveErr error) (out Outcome, cerr *CriterionError) {
	fail := func(msg string) *CriterionError {
		if strings.TrimSpace(msg) == "" {
			msg = emptyErrorMessage
		}
		return &CriterionError{CriterionName: c.Name, Plugin: c.Plugin, Message: msg}
	}

	strategy, err := s.registry.Lookup(c.Plugin)
	if err != nil {
		return Outcome{}, fail(err.Error())
	}
	if strategy.RequiresFiles() && resolveErr != nil {
		return Outcome{}, fail(resolveErr.Error())
	}

	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("strategy panicked", "module", "grading", "criterion", c.Name, "panic", r, "stack", string(debug.Stack()))
			out, cerr = Outcome{}, fail(fmt.Sprintf("strategy panicked: %v", r))
		}
	}()

	res, err := strategy.Grade(ctx, Request{
		AssessmentID:  req.AssessmentID,
		CriterionName: c.Name,
		Plugin:        c.Plugin,
		Config:        c.Config,
		Files:         files,
		Metadata:      req.Metadata,
		acquire:       s.acquire,
	})
	if err != nil {
		return Outcome{}, fail(err.Error())
	}
	if res.Score < 0 || res.Score > 100 {
		return Outcome{}, fail(fmt.Sprintf("score %d is outside 0..100", res.Score))
	}
	// the outcome must be publishable, or the criterion would get no event
	err = event.CriterionGradedEvent.Validate(event.CriterionGraded{
		AssessmentID:  req.AssessmentID,
		CriterionName: c.Name,
		Plugin:        c.Plugin,
		Score:         res.Score,
		Feedback:      res.Feedback,
	})
	if err != nil {
		return Outcome{}, fail(fmt.Sprintf("strategy returned an invalid result: %v", err))
	}
	return Outcome{
		CriterionName: c.Name,
		Plugin:        c.Plugin,
		Score:         res.Score,
		Feedback:      res.Feedback,
	}, nil
}

// Consume grades every submission.started event in the background. Invalid
// requests are rejected and end up dead-lettered; accepted ones are acked
// before grading starts.
func (s *Service) Consume(ctx context.Context, tr *eventbus.Transporter) error {
	return eventbus.Consume(ctx, tr, event.SubmissionStartedEvent, func(ctx context.Context, req event.SubmissionStarted) error {
		if err := s.Validate(req); err != nil {
			return fmt.Errorf("%w: %v", event.ErrInvalidEvent, err)
		}
		if s.ctx.Err() != nil {
			return fmt.Errorf("grading service is shutting down")
		}

		gctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(s.ctx, cancel)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer cancel()
			defer stop()
			if err := s.Grade(gctx, req); err != nil {
				s.logger.Error("grading failed", "assessment_id", req.AssessmentID, "error", err)
			}
		}()
		return nil
	})
}

// Shutdown cancels in-flight gradings and waits for them to return.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gradings did not finish: %w", ctx.Err())
	}
}
