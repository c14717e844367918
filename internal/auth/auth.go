// Package auth verifies PINs, issues bearer tokens and resolves the caller
// of an HTTP request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/store"
	"github.com/nathanyu/pocket-pal/internal/telemetry"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL matches the lifetime clients have always been given.
const DefaultTokenTTL = 6 * time.Hour

const issuer = "pocketpal"

var (
	ErrInvalidCredentials = errors.New("invalid identifier or PIN")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Claims are carried in every token. Subject is the account id.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator checks PINs against stored bcrypt hashes and signs HS256
// tokens.
type Authenticator struct {
	accounts store.Reader
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

// NewAuthenticator creates an authenticator. A zero ttl means
// DefaultTokenTTL.
func NewAuthenticator(accounts store.Reader, secret string, ttl time.Duration) (*Authenticator, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{
		accounts: accounts,
		secret:   []byte(secret),
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// HashPIN returns the bcrypt hash stored for a PIN.
func HashPIN(pin string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Login resolves identifier (phone or email), checks the PIN and returns a
// signed token for the account.
func (a *Authenticator) Login(ctx context.Context, identifier, pin string) (string, time.Time, domain.Account, error) {
	acc, err := a.accounts.FindByIdentifier(ctx, identifier)
	if errors.Is(err, store.ErrNotFound) {
		telemetry.AuthAttemptsTotal.WithLabelValues("unknown_account").Inc()
		return "", time.Time{}, domain.Account{}, ErrInvalidCredentials
	}
	if err != nil {
		telemetry.AuthAttemptsTotal.WithLabelValues("error").Inc()
		return "", time.Time{}, domain.Account{}, err
	}

	if acc.PINHash == "" || bcrypt.CompareHashAndPassword([]byte(acc.PINHash), []byte(pin)) != nil {
		telemetry.AuthAttemptsTotal.WithLabelValues("bad_pin").Inc()
		return "", time.Time{}, domain.Account{}, ErrInvalidCredentials
	}

	token, expires, err := a.Issue(acc)
	if err != nil {
		telemetry.AuthAttemptsTotal.WithLabelValues("error").Inc()
		return "", time.Time{}, domain.Account{}, err
	}
	telemetry.AuthAttemptsTotal.WithLabelValues("ok").Inc()
	return token, expires, acc, nil
}

// Issue signs a token for acc.
func (a *Authenticator) Issue(acc domain.Account) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := Claims{
		Role: acc.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   acc.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a token.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
