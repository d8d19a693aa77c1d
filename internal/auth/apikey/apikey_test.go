package apikey

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabulines/nabulines/pkg/postgres/postgrestest"
)

func TestRoleAllows(t *testing.T) {
	tests := []struct {
		role     Role
		required Role
		want     bool
	}{
		{RoleReader, RoleReader, true},
		{RoleReader, RoleWriter, false},
		{RoleWriter, RoleReader, true},
		{RoleWriter, RoleAdmin, false},
		{RoleAdmin, RoleAdmin, true},
		{Role("root"), RoleReader, false},
		{Role(""), RoleReader, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.role.Allows(tt.required), "%s allows %s", tt.role, tt.required)
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("writer")
	require.NoError(t, err)
	assert.Equal(t, RoleWriter, r)

	_, err = ParseRole("superuser")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestHashKeyIsStable(t *testing.T) {
	assert.Equal(t, HashKey("abc"), HashKey("abc"))
	assert.NotEqual(t, HashKey("abc"), HashKey("abd"))
	assert.Len(t, HashKey("abc"), 64)
}

func TestGenerateRawKeyIsUnique(t *testing.T) {
	a, err := generateRawKey()
	require.NoError(t, err)
	b, err := generateRawKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 67)
}

func TestKeyLifecycle(t *testing.T) {
	db := postgrestest.Open(t, Schema)
	v := NewValidator(db)
	ctx := context.Background()

	raw, err := v.CreateKey(ctx, "ops-"+strconv.FormatInt(time.Now().UnixNano(), 10), RoleAdmin, 50, nil)
	require.NoError(t, err)

	info, err := v.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, info.Role)
	assert.Equal(t, 50, info.RateLimit)

	require.NoError(t, v.RevokeKey(ctx, raw))
	_, err = v.Validate(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestExpiredKeyRejected(t *testing.T) {
	db := postgrestest.Open(t, Schema)
	v := NewValidator(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	raw, err := v.CreateKey(ctx, "expired", RoleReader, 10, &past)
	require.NoError(t, err)

	_, err = v.Validate(ctx, raw)
	assert.ErrorIs(t, err, ErrExpiredKey)
}
