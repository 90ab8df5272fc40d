package callback

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "grader"

// Signer issues the tokens embedded in callback urls. A nil Signer issues
// no tokens and accepts any.
type Signer struct {
	key []byte
	ttl time.Duration
}

// NewSigner returns nil when secret is empty.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{key: []byte(secret), ttl: ttl}
}

func (s *Signer) Sign(id string) (string, error) {
	if s == nil {
		return "", nil
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign callback token: %w", err)
	}
	return signed, nil
}

// Verify checks that token was issued by s for submission id.
func (s *Signer) Verify(token string, id string) error {
	if s == nil {
		return nil
	}
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (interface{}, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(id),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return ErrInvalidCallbackToken().SetDebug(err)
	}
	return nil
}

// URL returns the callback url handed to the sandbox for submission id.
// The sandbox adds the type parameter when calling back.
func (s *Signer) URL(publicURL string, id string) (string, error) {
	q := url.Values{"id": {id}}
	token, err := s.Sign(id)
	if err != nil {
		return "", err
	}
	if token != "" {
		q.Set("token", token)
	}
	return strings.TrimRight(publicURL, "/") + "/callback?" + q.Encode(), nil
}
