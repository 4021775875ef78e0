package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parlor/pkg/apperr"
)

var testOpts = Options{Secret: []byte("0123456789abcdef0123"), Issuer: "parlor-test"}

func newTestAuth(t *testing.T) (*Authenticator, *Issuer) {
	t.Helper()
	dir := NewStaticDirectory(User{ID: "u1", Name: "Ada"}, User{ID: "u2", Name: "Grace"})
	a, err := NewAuthenticator(testOpts, dir)
	require.NoError(t, err)
	iss, err := NewIssuer(testOpts)
	require.NoError(t, err)
	return a, iss
}

func TestVerifyBindsIdentity(t *testing.T) {
	a, iss := newTestAuth(t)
	tok, exp, err := iss.Mint("u1", time.Hour)
	require.NoError(t, err)
	require.True(t, exp.After(time.Now()))

	id, err := a.Verify(context.Background(), tok)
	require.NoError(t, err)
	require.Equal(t, Identity{UserID: "u1", Name: "Ada"}, id)
}

func TestVerifyRejections(t *testing.T) {
	a, iss := newTestAuth(t)

	expired, _, err := iss.Mint("u1", time.Hour)
	require.NoError(t, err)
	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = a.Verify(context.Background(), expired)
	require.ErrorIs(t, err, apperr.ErrAuth)
	require.Contains(t, err.Error(), "expired")
	a.now = time.Now

	unknown, _, err := iss.Mint("ghost", time.Hour)
	require.NoError(t, err)

	otherIss, err := NewIssuer(Options{Secret: []byte("another-secret-of-some-length"), Issuer: "parlor-test"})
	require.NoError(t, err)
	forged, _, err := otherIss.Mint("u1", time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewIssuer(Options{Secret: testOpts.Secret, Issuer: "someone-else"})
	require.NoError(t, err)
	foreign, _, err := wrongIssuer.Mint("u1", time.Hour)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "u1",
		Issuer:  "parlor-test",
	}).SignedString(testOpts.Secret)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"missing":        "",
		"malformed":      "not-a-jwt",
		"unknown":        unknown,
		"bad signature":  forged,
		"wrong issuer":   foreign,
		"no expiration":  noExp,
		"garbage base64": "a.b.c",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Verify(context.Background(), tok)
			require.Error(t, err)
			require.True(t, errors.Is(err, apperr.ErrAuth), "got %v", err)
		})
	}
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	a, _ := newTestAuth(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    "parlor-test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testOpts.Secret)
	require.NoError(t, err)

	_, err = a.Verify(context.Background(), tok)
	require.ErrorIs(t, err, apperr.ErrAuth)
}

func TestNewAuthenticatorValidation(t *testing.T) {
	_, err := NewAuthenticator(Options{}, NewStaticDirectory())
	require.Error(t, err)
	_, err = NewAuthenticator(testOpts, nil)
	require.Error(t, err)
	_, err = NewAuthenticator(Options{Secret: testOpts.Secret, Algorithm: "RS256"}, NewStaticDirectory())
	require.ErrorContains(t, err, "unsupported")
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	require.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws?token=def", nil)
	require.Equal(t, "def", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws?auth=Bearer%20ghi", nil)
	require.Equal(t, "ghi", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	require.Equal(t, "", TokenFromRequest(r))
}

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory(User{ID: " u1 "}, User{ID: ""})
	require.Equal(t, 1, d.Len())
	u, err := d.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", u.Name)

	_, err = d.Lookup(context.Background(), "u9")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}
