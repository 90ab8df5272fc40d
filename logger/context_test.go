package logger_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/programme-lv/grader/logger"
	"github.com/stretchr/testify/require"
)

func TestFromContextFallsBackToDefault(t *testing.T) {
	require.Equal(t, slog.Default(), logger.FromContext(context.Background()))
}

func TestWithSubmissionIDTagsRecords(t *testing.T) {
	buf := &bytes.Buffer{}
	base := slog.New(slog.NewTextHandler(buf, nil))

	ctx := logger.WithLogger(context.Background(), base)
	ctx = logger.WithAssessment(ctx, "A1")
	ctx = logger.WithSubmissionID(ctx, "s-42")
	logger.FromContext(ctx).Info("hello")

	require.Contains(t, buf.String(), "assessment_id=A1")
	require.Contains(t, buf.String(), "submission_id=s-42")
}
