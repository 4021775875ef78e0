// Package auth validates the bearer credential presented at connection
// handshake and binds the resulting identity to the connection.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/parlor/pkg/apperr"
)

// Identity is bound to a connection for its whole lifetime.
type Identity struct {
	UserID string
	Name   string
}

type Options struct {
	Secret    []byte
	Algorithm string // HS256 (default), HS384, HS512
	Issuer    string // checked when non-empty
	Leeway    time.Duration
}

// Authenticator verifies HMAC-signed JWTs whose subject is a known user.
type Authenticator struct {
	opts   Options
	method jwt.SigningMethod
	dir    Directory
	now    func() time.Time
}

func NewAuthenticator(opts Options, dir Directory) (*Authenticator, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("authenticator: empty secret")
	}
	if dir == nil {
		return nil, errors.New("authenticator: directory is nil")
	}
	method, err := signingMethod(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	return &Authenticator{opts: opts, method: method, dir: dir, now: time.Now}, nil
}

// Verify returns the identity for token. Every rejection wraps apperr.ErrAuth,
// except directory outages which are reported as apperr.ErrStorage.
func (a *Authenticator) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, errors.Wrap(apperr.ErrAuth, "missing token")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{a.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.opts.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(a.opts.Leeway))
	}
	if a.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.opts.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.opts.Secret, nil
	}, parserOpts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Identity{}, errors.Wrap(apperr.ErrAuth, "token expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return Identity{}, errors.Wrap(apperr.ErrAuth, "malformed token")
	case err != nil:
		return Identity{}, errors.Wrapf(apperr.ErrAuth, "invalid token: %v", err)
	case !parsed.Valid:
		return Identity{}, errors.Wrap(apperr.ErrAuth, "invalid token")
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Identity{}, errors.Wrap(apperr.ErrAuth, "token has no subject")
	}
	u, err := a.dir.Lookup(ctx, sub)
	if errors.Is(err, apperr.ErrNotFound) {
		return Identity{}, errors.Wrapf(apperr.ErrAuth, "unknown subject %q", sub)
	}
	if err != nil {
		return Identity{}, apperr.Storage(err, "lookup token subject")
	}
	return Identity{UserID: u.ID, Name: u.Name}, nil
}

// Issuer mints tokens accepted by an Authenticator with the same Options.
type Issuer struct {
	opts   Options
	method jwt.SigningMethod
	now    func() time.Time
}

func NewIssuer(opts Options) (*Issuer, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("issuer: empty secret")
	}
	method, err := signingMethod(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	return &Issuer{opts: opts, method: method, now: time.Now}, nil
}

func (i *Issuer) Mint(userID string, ttl time.Duration) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("issuer: empty user id")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	now := i.now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   userID,
		Issuer:    i.opts.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.opts.Secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return signed, exp, nil
}

func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, errors.Errorf("unsupported signing algorithm %q (use HS256, HS384 or HS512)", alg)
	}
}
