// Package auth issues and verifies the HS256 bearer tokens used by the web
// client and by the desktop app after a deep-link login.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var (
	ErrInvalidToken     = errors.New("invalid token format")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrInvalidClaims    = errors.New("invalid token claims")
	ErrMissingSubject   = errors.New("token has no subject")
)

// Config holds signing and verification settings.
type Config struct {
	Secret    []byte
	Issuer    string
	TTL       time.Duration
	ClockSkew time.Duration
}

// Tokens signs and verifies user tokens. It satisfies middleware.TokenVerifier.
type Tokens struct {
	cfg    Config
	signer jose.Signer
	now    func() time.Time
}

func New(cfg Config) (*Tokens, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("auth secret must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: cfg.Secret}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	return &Tokens{cfg: cfg, signer: signer, now: time.Now}, nil
}

// Issue returns a signed token whose subject is userID.
func (t *Tokens) Issue(userID string) (string, error) {
	if userID == "" {
		return "", ErrMissingSubject
	}
	now := t.now()
	claims := jwt.Claims{
		Subject:  userID,
		Issuer:   t.cfg.Issuer,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(t.cfg.TTL)),
	}

	token, err := jwt.Signed(t.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to create JWT: %w", err)
	}
	return token, nil
}

// Verify checks signature, issuer and expiry and returns the user id.
func (t *Tokens) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims jwt.Claims
	if err := tok.Claims(t.cfg.Secret, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	expected := jwt.Expected{Issuer: t.cfg.Issuer, Time: t.now()}
	if err := claims.ValidateWithLeeway(expected, t.cfg.ClockSkew); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}
