package callback_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/programme-lv/grader/callback"
	"github.com/programme-lv/grader/srvcerror"
	"github.com/stretchr/testify/require"
)

func TestSignerBindsTokenToSubmission(t *testing.T) {
	s := callback.NewSigner("top-secret", time.Hour)
	token, err := s.Sign("s-1")
	require.NoError(t, err)

	require.NoError(t, s.Verify(token, "s-1"))
	err = s.Verify(token, "s-2")
	require.Equal(t, callback.ErrCodeInvalidCallbackToken, srvcerror.Code(err))

	other := callback.NewSigner("another-secret", time.Hour)
	require.Error(t, other.Verify(token, "s-1"))
}

func TestCallbackURL(t *testing.T) {
	s := callback.NewSigner("top-secret", time.Hour)
	raw, err := s.URL("http://grader:8080/", "s-1")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "/callback", u.Path)
	require.Equal(t, "s-1", u.Query().Get("id"))
	require.NoError(t, s.Verify(u.Query().Get("token"), "s-1"))
}

func TestNilSignerAcceptsEverything(t *testing.T) {
	var s *callback.Signer = callback.NewSigner("", 0)
	require.Nil(t, s)
	require.NoError(t, s.Verify("", "s-1"))

	raw, err := s.URL("http://grader", "s-1")
	require.NoError(t, err)
	require.Equal(t, "http://grader/callback?id=s-1", raw)
}
