package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citycab/dispatch/core/model"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("secret", "citycab")
	tok, err := v.Mint("driver-1", model.RoleDriver, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "driver-1", id.Subject)
	assert.Equal(t, model.RoleDriver, id.Role)
}

func TestVerifier_BearerPrefix(t *testing.T) {
	v := NewVerifier("secret", "")
	tok, err := v.Mint("c1", model.RoleClient, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "c1", id.Subject)
}

func TestVerifier_Expired(t *testing.T) {
	v := NewVerifier("secret", "")
	tok, err := v.Mint("d1", model.RoleDriver, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_WrongSecret(t *testing.T) {
	minter := NewVerifier("one", "")
	tok, err := minter.Mint("d1", model.RoleDriver, time.Minute)
	require.NoError(t, err)

	v := NewVerifier("two", "")
	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_WrongIssuer(t *testing.T) {
	minter := NewVerifier("secret", "someone-else")
	tok, err := minter.Mint("d1", model.RoleDriver, time.Minute)
	require.NoError(t, err)

	v := NewVerifier("secret", "citycab")
	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_MissingToken(t *testing.T) {
	v := NewVerifier("secret", "")
	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_UnknownRole(t *testing.T) {
	v := NewVerifier("secret", "")
	tok, err := v.Mint("d1", model.Role("admin"), time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
