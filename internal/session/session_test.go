package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/carelink/internal/config"
	"github.com/jwalitptl/carelink/internal/model"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
)

const secret = "test-secret"

func TestStatic(t *testing.T) {
	p, err := NewStatic(model.Identity{ID: "c1", Email: " Carol@Example.org "}, "tok")
	require.NoError(t, err)

	id, err := p.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "carol@example.org", id.Email)
	assert.Equal(t, model.RoleCaregiver, id.Role)

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	_, err = NewStatic(model.Identity{Email: "nope"}, "")
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestJWTRoundTrip(t *testing.T) {
	token, err := Issue(secret, model.Identity{ID: "c1", Email: "Carol@example.org"}, time.Hour)
	require.NoError(t, err)

	p, err := NewJWT(secret, token)
	require.NoError(t, err)

	id, err := p.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", id.ID)
	assert.Equal(t, "carol@example.org", id.Email)
	assert.Equal(t, model.RoleCaregiver, id.Role)

	got, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestJWTRejects(t *testing.T) {
	token, err := Issue(secret, model.Identity{ID: "c1", Email: "carol@example.org"}, time.Hour)
	require.NoError(t, err)

	_, err = NewJWT("other-secret", token)
	assert.True(t, apperrors.IsUnauthorized(err))

	_, err = NewJWT(secret, "garbage")
	assert.True(t, apperrors.IsUnauthorized(err))

	_, err = NewJWT("", token)
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestJWTExpiry(t *testing.T) {
	token, err := Issue(secret, model.Identity{ID: "c1", Email: "carol@example.org"}, time.Minute)
	require.NoError(t, err)

	p, err := NewJWT(secret, token)
	require.NoError(t, err)

	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = p.Identity(context.Background())
	assert.True(t, apperrors.IsUnauthorized(err))
	_, err = p.Token(context.Background())
	assert.True(t, apperrors.IsUnauthorized(err))
}

func TestFromConfig(t *testing.T) {
	p, err := FromConfig(config.SessionConfig{ID: "c1", Email: "carol@example.org", Token: "opaque"})
	require.NoError(t, err)
	assert.IsType(t, &Static{}, p)

	token, err := Issue(secret, model.Identity{ID: "c2", Email: "dave@example.org"}, time.Hour)
	require.NoError(t, err)
	p, err = FromConfig(config.SessionConfig{Token: token, JWTSecret: secret})
	require.NoError(t, err)
	id, err := p.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dave@example.org", id.Email)
}
