package callback_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/programme-lv/grader/callback"
	"github.com/programme-lv/grader/srvcerror"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu      sync.Mutex
	inits   []string
	runs    []string
	failRun error
}

func (f *fakeExecutor) Initialize(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, id)
	return nil
}

func (f *fakeExecutor) Run(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, id)
	return f.failRun
}

type fakeArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeArchive) Upload(_ context.Context, key string, content []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = content
	return nil
}

const passingRun = `{"exit_code":0,"tests":[{"name":"t1","passed":true},{"name":"t2","passed":true}]}`

func state(t *testing.T, tr *callback.Tracker, id string) callback.State {
	t.Helper()
	rec, err := tr.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.State
}

func TestHappyPathReachesAggregated(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	archive := &fakeArchive{}
	tr := callback.NewTracker(callback.NewInMemRepo(), exec, callback.WithArchive(archive))

	done, err := tr.Register(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, callback.StateCreated, state(t, tr, "s-1"))

	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "upload", ID: "s-1"}))
	require.Equal(t, callback.StateUploaded, state(t, tr, "s-1"))

	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "init", ID: "s-1"}))
	require.Equal(t, callback.StateRunning, state(t, tr, "s-1"))

	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "run", ID: "s-1", Body: []byte(passingRun)}))

	res := <-done
	require.NoError(t, res.Err)
	require.Equal(t, callback.StateAggregated, res.Record.State)
	require.Equal(t, "results/s-1.json", res.Record.ResultRef)
	require.Equal(t, 2, res.Run.Passed())
	require.Equal(t, []string{"s-1"}, exec.inits)
	require.Equal(t, []string{"s-1"}, exec.runs)
	require.Contains(t, archive.objects, "results/s-1.json")

	_, open := <-done
	require.False(t, open)
}

func TestRedeliveredCallbacksDoNotRetrigger(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	tr := callback.NewTracker(callback.NewInMemRepo(), exec)
	_, err := tr.Register(ctx, "s-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "upload", ID: "s-1"}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "init", ID: "s-1"}))
	}
	// a late upload redelivery must not move the record backwards
	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "upload", ID: "s-1"}))

	require.Len(t, exec.inits, 1)
	require.Len(t, exec.runs, 1)
	require.Equal(t, callback.StateRunning, state(t, tr, "s-1"))

	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "run", ID: "s-1", Body: []byte(passingRun)}))
	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "run", ID: "s-1", Body: []byte(passingRun)}))
	require.Equal(t, callback.StateAggregated, state(t, tr, "s-1"))
}

func TestCallbacksThatSkipAStateAreRejected(t *testing.T) {
	ctx := context.Background()
	tr := callback.NewTracker(callback.NewInMemRepo(), &fakeExecutor{})
	_, err := tr.Register(ctx, "s-1")
	require.NoError(t, err)

	err = tr.Handle(ctx, callback.Callback{Type: "init", ID: "s-1"})
	require.Equal(t, callback.ErrCodeOutOfOrder, srvcerror.Code(err))
	err = tr.Handle(ctx, callback.Callback{Type: "run", ID: "s-1", Body: []byte(passingRun)})
	require.Equal(t, callback.ErrCodeOutOfOrder, srvcerror.Code(err))
	require.Equal(t, callback.StateCreated, state(t, tr, "s-1"))

	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "upload", ID: "s-1"}))
	err = tr.Handle(ctx, callback.Callback{Type: "run", ID: "s-1", Body: []byte(passingRun)})
	require.Equal(t, callback.ErrCodeOutOfOrder, srvcerror.Code(err))
	require.Equal(t, callback.StateUploaded, state(t, tr, "s-1"))
}

func TestUnknownTypeAndIDAreRejected(t *testing.T) {
	ctx := context.Background()
	tr := callback.NewTracker(callback.NewInMemRepo(), &fakeExecutor{})
	_, err := tr.Register(ctx, "s-1")
	require.NoError(t, err)

	err = tr.Handle(ctx, callback.Callback{Type: "compile", ID: "s-1"})
	var srvcErr *srvcerror.Error
	require.ErrorAs(t, err, &srvcErr)
	require.Equal(t, 400, srvcErr.HttpStatusCode())
	require.Equal(t, callback.StateCreated, state(t, tr, "s-1"))

	err = tr.Handle(ctx, callback.Callback{Type: "upload", ID: "nope"})
	require.True(t, callback.IsNotFound(err))

	_, err = tr.Register(ctx, "s-1")
	require.Equal(t, callback.ErrCodeAlreadyRegistered, srvcerror.Code(err))
}

func TestFailedTriggerFailsSubmission(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{failRun: errors.New("sandbox is down")}
	tr := callback.NewTracker(callback.NewInMemRepo(), exec)
	done, err := tr.Register(ctx, "s-1")
	require.NoError(t, err)

	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "upload", ID: "s-1"}))
	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "init", ID: "s-1"}))

	res := <-done
	require.ErrorContains(t, res.Err, "sandbox is down")
	require.Equal(t, callback.StateFailed, res.Record.State)
	require.Equal(t, callback.StateFailed, state(t, tr, "s-1"))

	// terminal records ignore anything that follows
	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "run", ID: "s-1", Body: []byte(passingRun)}))
	require.Equal(t, callback.StateFailed, state(t, tr, "s-1"))
}

func TestRunResultErrors(t *testing.T) {
	ctx := context.Background()
	drive := func(t *testing.T, body string) (<-chan callback.Result, *callback.Tracker, error) {
		tr := callback.NewTracker(callback.NewInMemRepo(), &fakeExecutor{})
		done, err := tr.Register(ctx, "s-1")
		require.NoError(t, err)
		require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "upload", ID: "s-1"}))
		require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "init", ID: "s-1"}))
		return done, tr, tr.Handle(ctx, callback.Callback{Type: "run", ID: "s-1", Body: []byte(body)})
	}

	t.Run("sandbox error", func(t *testing.T) {
		done, _, err := drive(t, `{"exit_code":137,"tests":[],"error":"out of memory"}`)
		require.NoError(t, err)
		res := <-done
		require.Error(t, res.Err)
		require.Equal(t, callback.StateFailed, res.Record.State)
		require.Equal(t, "out of memory", res.Record.ErrorMsg)
	})

	t.Run("malformed body", func(t *testing.T) {
		done, tr, err := drive(t, `{"tests":`)
		require.Equal(t, callback.ErrCodeInvalidRunResult, srvcerror.Code(err))
		res := <-done
		require.Error(t, res.Err)
		require.Equal(t, callback.StateFailed, state(t, tr, "s-1"))
	})
}

func TestDeadlineForcesFailure(t *testing.T) {
	ctx := context.Background()
	tr := callback.NewTracker(callback.NewInMemRepo(), &fakeExecutor{}, callback.WithDeadline(20*time.Millisecond))
	done, err := tr.Register(ctx, "s-1")
	require.NoError(t, err)

	select {
	case res := <-done:
		require.ErrorIs(t, res.Err, callback.ErrDeadlineExceeded)
		require.Equal(t, callback.StateFailed, res.Record.State)
	case <-time.After(2 * time.Second):
		t.Fatal("deadline did not fire")
	}
}

func TestNoDeadlineByDefault(t *testing.T) {
	ctx := context.Background()
	tr := callback.NewTracker(callback.NewInMemRepo(), &fakeExecutor{})
	done, err := tr.Register(ctx, "s-1")
	require.NoError(t, err)

	select {
	case <-done:
		t.Fatal("submission resolved without a run callback")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, callback.StateCreated, state(t, tr, "s-1"))
}

func TestCallbacksForDifferentIDsAreIndependent(t *testing.T) {
	ctx := context.Background()
	tr := callback.NewTracker(callback.NewInMemRepo(), &fakeExecutor{})

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		_, err := tr.Register(ctx, id)
		require.NoError(t, err)
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for _, typ := range []string{"upload", "init", "run"} {
				if err := tr.Handle(ctx, callback.Callback{Type: typ, ID: id, Body: []byte(passingRun)}); err != nil {
					t.Errorf("%s %s: %v", id, typ, err)
				}
			}
		}(id)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, callback.StateAggregated, state(t, tr, id))
	}
}

// flakyRepo fails the first save of one state.
type flakyRepo struct {
	*callback.InMemRepo
	failOn callback.State
	failed bool
}

func (r *flakyRepo) Update(ctx context.Context, rec callback.Record) error {
	if rec.State == r.failOn && !r.failed {
		r.failed = true
		return errors.New("connection reset")
	}
	return r.InMemRepo.Update(ctx, rec)
}

func TestRedeliveredInitResumesAfterFailedSave(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	tr := callback.NewTracker(&flakyRepo{InMemRepo: callback.NewInMemRepo(), failOn: callback.StateRunning}, exec)
	done, err := tr.Register(ctx, "s-1")
	require.NoError(t, err)

	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "upload", ID: "s-1"}))
	require.ErrorContains(t, tr.Handle(ctx, callback.Callback{Type: "init", ID: "s-1"}), "connection reset")
	require.Equal(t, callback.StateInitialized, state(t, tr, "s-1"))
	require.Empty(t, exec.runs)

	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "init", ID: "s-1"}))
	require.Equal(t, callback.StateRunning, state(t, tr, "s-1"))
	require.Equal(t, []string{"s-1"}, exec.runs)

	require.NoError(t, tr.Handle(ctx, callback.Callback{Type: "run", ID: "s-1", Body: []byte(passingRun)}))
	res := <-done
	require.NoError(t, res.Err)
	require.Equal(t, callback.StateAggregated, res.Record.State)
}
