package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jwalitptl/carelink/internal/config"
	"github.com/jwalitptl/carelink/internal/model"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
	"github.com/jwalitptl/carelink/pkg/validator"
)

// Provider yields the signed-in caregiver and the bearer token for the
// server of record.
type Provider interface {
	Identity(ctx context.Context) (model.Identity, error)
	Token(ctx context.Context) (string, error)
}

// Static is a provider for a fixed identity, used by the CLI and tests.
type Static struct {
	identity model.Identity
	token    string
}

func NewStatic(identity model.Identity, token string) (*Static, error) {
	identity.Email = model.NormalizeEmail(identity.Email)
	if identity.Role == "" {
		identity.Role = model.RoleCaregiver
	}
	if err := validator.Default().Validate(identity); err != nil {
		return nil, apperrors.BadRequest("invalid session identity", err)
	}
	return &Static{identity: identity, token: token}, nil
}

func (s *Static) Identity(context.Context) (model.Identity, error) { return s.identity, nil }

func (s *Static) Token(context.Context) (string, error) { return s.token, nil }

// Claims carried in a caregiver session token.
type Claims struct {
	jwt.RegisteredClaims
	Email string     `json:"email"`
	Role  model.Role `json:"role,omitempty"`
}

// JWT derives the identity from an HS256 token. The token is re-validated on
// every call so an expired session surfaces as Unauthorized.
type JWT struct {
	secret []byte
	token  string
	now    func() time.Time
}

func NewJWT(secret, token string) (*JWT, error) {
	if secret == "" {
		return nil, apperrors.BadRequest("jwt secret is required", nil)
	}
	p := &JWT{secret: []byte(secret), token: strings.TrimSpace(token), now: time.Now}
	if _, err := p.parse(); err != nil {
		return nil, err
	}
	return p, nil
}

// Issue signs a token for identity. The stub server and tests use it.
func Issue(secret string, identity model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: model.NormalizeEmail(identity.Email),
		Role:  identity.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a token against secret and returns its claims.
func Parse(secret, token string) (*Claims, error) {
	return parseAt(secret, token, time.Now)
}

func parseAt(secret, token string, now func() time.Time) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(now))
	if err != nil || !parsed.Valid {
		return nil, apperrors.Unauthorized(fmt.Errorf("invalid session token: %w", err))
	}
	if err := validator.Default().ValidateEmail(claims.Email); err != nil {
		return nil, apperrors.Unauthorized(err)
	}
	return claims, nil
}

func (p *JWT) parse() (*Claims, error) {
	return parseAt(string(p.secret), p.token, p.now)
}

func (p *JWT) Identity(context.Context) (model.Identity, error) {
	claims, err := p.parse()
	if err != nil {
		return model.Identity{}, err
	}
	role := claims.Role
	if role == "" {
		role = model.RoleCaregiver
	}
	return model.Identity{ID: claims.Subject, Email: model.NormalizeEmail(claims.Email), Role: role}, nil
}

func (p *JWT) Token(context.Context) (string, error) {
	if _, err := p.parse(); err != nil {
		return "", err
	}
	return p.token, nil
}

// FromConfig picks the JWT provider when a secret and token are configured
// and the static provider otherwise.
func FromConfig(cfg config.SessionConfig) (Provider, error) {
	if cfg.JWTSecret != "" && cfg.Token != "" {
		return NewJWT(cfg.JWTSecret, cfg.Token)
	}
	return NewStatic(model.Identity{ID: cfg.ID, Email: cfg.Email}, cfg.Token)
}
