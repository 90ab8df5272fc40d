package callback_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/programme-lv/grader/callback"
	"github.com/programme-lv/grader/srvcerror"
	"github.com/stretchr/testify/require"
)

// newPgRepo connects to GRADER_TEST_PG_URL and skips the test when it is unset.
func newPgRepo(t *testing.T) *callback.PgRepo {
	t.Helper()
	url := os.Getenv("GRADER_TEST_PG_URL")
	if url == "" {
		t.Skip("GRADER_TEST_PG_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := callback.NewPgRepo(pool)
	require.NoError(t, repo.EnsureSchema(ctx))
	return repo
}

func TestPgRepoOptimisticUpdate(t *testing.T) {
	repo := newPgRepo(t)
	ctx := context.Background()
	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := callback.Record{SubmissionID: id, State: callback.StateCreated, CreatedAt: now, UpdatedAt: now, Version: 1}
	require.NoError(t, repo.Create(ctx, rec))
	require.Equal(t, callback.ErrCodeAlreadyRegistered, srvcerror.Code(repo.Create(ctx, rec)))

	rec.State = callback.StateUploaded
	rec.LastCallback = callback.TypeUpload
	rec.Version = 2
	require.NoError(t, repo.Update(ctx, rec))
	require.ErrorIs(t, repo.Update(ctx, rec), callback.ErrVersionConflict)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, callback.StateUploaded, got.State)
	require.Equal(t, int64(2), got.Version)

	_, err = repo.Get(ctx, uuid.NewString())
	require.True(t, callback.IsNotFound(err))
}
