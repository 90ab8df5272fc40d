package callback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/metrics"
	"github.com/programme-lv/grader/sandbox"
	"github.com/programme-lv/grader/srvcerror"
	"github.com/puzpuzpuz/xsync/v3"
)

// Executor triggers the next phase of a submission on the remote sandbox.
type Executor interface {
	Initialize(ctx context.Context, id string) error
	Run(ctx context.Context, id string) error
}

// Archive stores run results; blobstore.Store satisfies it.
type Archive interface {
	Upload(ctx context.Context, key string, content []byte, mediaType string) error
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// Tracker drives submission records through
// created -> uploaded -> initialized -> running -> aggregated | failed
// in response to sandbox callbacks. It never polls and adds no timeout of
// its own unless a deadline is configured.
type Tracker struct {
	repo     Repo
	exec     Executor
	archive  Archive
	deadline time.Duration
	now      func() time.Time
	m        *metrics.Metrics
	logger   *slog.Logger

	locks   *xsync.MapOf[string, *idLock]
	waiters *xsync.MapOf[string, chan Result]
	timers  *xsync.MapOf[string, *time.Timer]
}

type Option func(*Tracker)

func WithArchive(a Archive) Option {
	return func(t *Tracker) { t.archive = a }
}

// WithDeadline fails submissions that are not terminal d after registration.
// Zero, the default, disables it.
func WithDeadline(d time.Duration) Option {
	return func(t *Tracker) { t.deadline = d }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.m = m }
}

func NewTracker(repo Repo, exec Executor, opts ...Option) *Tracker {
	t := &Tracker{
		repo:    repo,
		exec:    exec,
		now:     time.Now,
		logger:  slog.Default().With("module", "callback"),
		locks:   xsync.NewMapOf[string, *idLock](),
		waiters: xsync.NewMapOf[string, chan Result](),
		timers:  xsync.NewMapOf[string, *time.Timer](),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// lock serializes work on one submission id.
func (t *Tracker) lock(id string) func() {
	l, _ := t.locks.Compute(id, func(old *idLock, loaded bool) (*idLock, bool) {
		if !loaded {
			old = &idLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.locks.Compute(id, func(old *idLock, loaded bool) (*idLock, bool) {
			old.refs--
			return old, old.refs == 0
		})
	}
}

// Register creates a record in state created and returns a channel that
// receives exactly one Result once the record becomes terminal.
func (t *Tracker) Register(ctx context.Context, id string) (<-chan Result, error) {
	unlock := t.lock(id)
	defer unlock()

	now := t.now()
	rec := Record{
		SubmissionID: id,
		State:        StateCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	if err := t.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	ch := make(chan Result, 1)
	t.waiters.Store(id, ch)
	if t.deadline > 0 {
		t.timers.Store(id, time.AfterFunc(t.deadline, func() { t.expire(id) }))
	}
	t.logger.Info("registered submission", "submission_id", id)
	return ch, nil
}

func (t *Tracker) Get(ctx context.Context, id string) (Record, error) {
	return t.repo.Get(ctx, id)
}

// Handle applies one inbound callback. Callbacks already applied are
// acknowledged without side effects; callbacks that would skip a state are
// rejected. A failing sandbox trigger fails the submission, not the callback.
func (t *Tracker) Handle(ctx context.Context, cb Callback) error {
	typ, err := ParseType(cb.Type)
	if err != nil {
		t.m.Callback("unknown", "rejected")
		return err
	}

	unlock := t.lock(cb.ID)
	defer unlock()

	ctx = logger.WithSubmissionID(ctx, cb.ID)
	rec, err := t.repo.Get(ctx, cb.ID)
	if err != nil {
		t.m.Callback(string(typ), "not_found")
		return err
	}

	outcome, err := t.apply(ctx, rec, typ, cb.Body)
	t.m.Callback(string(typ), outcome)
	return err
}

func (t *Tracker) apply(ctx context.Context, rec Record, typ Type, body []byte) (string, error) {
	log := logger.FromContext(ctx).With("module", "callback", "type", typ, "state", rec.State)

	if rec.State.Terminal() {
		log.Info("callback for finished submission ignored")
		return "duplicate", nil
	}

	switch typ {
	case TypeUpload:
		if rec.State != StateCreated {
			return "duplicate", nil
		}
		rec, err := t.transition(ctx, rec, StateUploaded, typ)
		if err != nil {
			return "error", err
		}
		if err := t.exec.Initialize(ctx, rec.SubmissionID); err != nil {
			return "trigger_failed", t.fail(ctx, rec, fmt.Errorf("failed to trigger initialize: %w", err))
		}

	case TypeInit:
		switch rec.State {
		case StateCreated:
			return "out_of_order", ErrOutOfOrder(typ, rec.State)
		case StateRunning:
			return "duplicate", nil
		}
		// running is saved before run is triggered, so a record left in
		// initialized never had its run started and a redelivery resumes it
		var err error
		if rec.State == StateUploaded {
			rec, err = t.transition(ctx, rec, StateInitialized, typ)
			if err != nil {
				return "error", err
			}
		}
		rec, err = t.transition(ctx, rec, StateRunning, typ)
		if err != nil {
			return "error", err
		}
		if err := t.exec.Run(ctx, rec.SubmissionID); err != nil {
			return "trigger_failed", t.fail(ctx, rec, fmt.Errorf("failed to trigger run: %w", err))
		}

	case TypeRun:
		if rec.State != StateRunning {
			return "out_of_order", ErrOutOfOrder(typ, rec.State)
		}
		return t.aggregate(ctx, rec, body)
	}

	log.Info("callback applied")
	return "applied", nil
}

func (t *Tracker) aggregate(ctx context.Context, rec Record, body []byte) (string, error) {
	res, err := sandbox.ParseRunResult(body)
	if err != nil {
		if ferr := t.fail(ctx, rec, err); ferr != nil {
			return "error", ferr
		}
		return "invalid_result", ErrInvalidRunResult().SetDebug(err)
	}

	rec.LastCallback = TypeRun
	if t.archive != nil {
		key := fmt.Sprintf("results/%s.json", rec.SubmissionID)
		if err := t.archive.Upload(ctx, key, body, "application/json"); err != nil {
			return "archive_failed", t.fail(ctx, rec, fmt.Errorf("failed to archive run result: %w", err))
		}
		rec.ResultRef = key
	}

	var runErr error
	next := StateAggregated
	if res.Error != "" {
		next = StateFailed
		rec.ErrorMsg = res.Error
		runErr = fmt.Errorf("sandbox failed to run tests: %s", res.Error)
	}
	rec, err = t.transition(ctx, rec, next, TypeRun)
	if err != nil {
		return "error", err
	}
	t.resolve(rec.SubmissionID, Result{Record: rec, Run: &res, Err: runErr})
	logger.FromContext(ctx).Info("run result aggregated", "module", "callback", "state", rec.State, "passed", res.Passed(), "total", len(res.Tests))
	return "applied", nil
}

func (t *Tracker) transition(ctx context.Context, rec Record, next State, typ Type) (Record, error) {
	rec.State = next
	rec.LastCallback = typ
	rec.UpdatedAt = t.now()
	rec.Version++
	if err := t.repo.Update(ctx, rec); err != nil {
		return rec, fmt.Errorf("failed to save %s state: %w", next, err)
	}
	return rec, nil
}

// fail moves rec to failed and resolves the waiter with cause.
func (t *Tracker) fail(ctx context.Context, rec Record, cause error) error {
	logger.FromContext(ctx).Error("submission failed", "module", "callback", "state", rec.State, "error", cause)
	rec.ErrorMsg = cause.Error()
	rec, err := t.transition(ctx, rec, StateFailed, rec.LastCallback)
	if err != nil {
		return err
	}
	t.resolve(rec.SubmissionID, Result{Record: rec, Err: cause})
	return nil
}

func (t *Tracker) resolve(id string, res Result) {
	if timer, ok := t.timers.LoadAndDelete(id); ok {
		timer.Stop()
	}
	if ch, ok := t.waiters.LoadAndDelete(id); ok {
		ch <- res
		close(ch)
	}
}

func (t *Tracker) expire(id string) {
	unlock := t.lock(id)
	defer unlock()

	ctx := context.Background()
	rec, err := t.repo.Get(ctx, id)
	if err != nil {
		t.logger.Error("failed to load expired submission", "submission_id", id, "error", err)
		return
	}
	if rec.State.Terminal() {
		return
	}
	if err := t.fail(logger.WithSubmissionID(ctx, id), rec, ErrDeadlineExceeded); err != nil {
		t.logger.Error("failed to expire submission", "submission_id", id, "error", err)
	}
}

// Forget drops the waiter for id without touching the record. Used when the
// registrant gives up waiting.
func (t *Tracker) Forget(id string) {
	if timer, ok := t.timers.LoadAndDelete(id); ok {
		timer.Stop()
	}
	t.waiters.Delete(id)
}

// IsNotFound reports whether err means the submission is not registered.
func IsNotFound(err error) bool {
	return srvcerror.Code(err) == ErrCodeSubmissionNotFound
}
