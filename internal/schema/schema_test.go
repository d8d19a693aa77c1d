package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nabulines/nabulines/pkg/errors"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := New("user",
		Field{Name: "username", Kind: KindString, Required: true, Index: &IndexSpec{Name: "username", Kind: Membership, Fold: true}},
		Field{Name: "followers", Kind: KindNumber, Index: &IndexSpec{Name: "followers", Kind: Ordered}},
		Field{Name: "verified", Kind: KindBool},
		Field{Name: "roles", Kind: KindStrings, Index: &IndexSpec{Name: "role", Kind: Membership}},
	)
	require.NoError(t, err)
	return s
}

func TestValidateNormalizes(t *testing.T) {
	s := testSchema(t)
	out, err := s.Validate(map[string]any{
		"username":  "Bob",
		"followers": 120,
		"verified":  true,
		"roles":     []any{"kol", "admin"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"username":  "Bob",
		"followers": 120.0,
		"verified":  true,
		"roles":     []string{"kol", "admin"},
	}, out)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	s := testSchema(t)
	_, err := s.Validate(map[string]any{
		"followers": "lots",
		"nickname":  "bobby",
		"id":        "user_1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, map[string]string{
		"followers": "must be a number",
		"nickname":  "unknown field",
		"id":        "field is managed by the store",
		"username":  "field is required",
	}, verr.Fields)
}

func TestValidateNilIsAbsent(t *testing.T) {
	s := testSchema(t)
	out, err := s.Validate(map[string]any{"username": "bob", "followers": nil})
	require.NoError(t, err)
	assert.NotContains(t, out, "followers")
}

func TestDecodeKeepsUnknownFields(t *testing.T) {
	s := testSchema(t)
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"username":"bob","roles":["kol"],"legacyScore":3}`), &raw))

	out := s.Decode(raw)
	assert.Equal(t, []string{"kol"}, out["roles"])
	assert.Equal(t, 3.0, out["legacyScore"])
}

func TestFieldValues(t *testing.T) {
	s := testSchema(t)
	username, _ := s.Field("username")
	roles, _ := s.Field("roles")

	assert.Equal(t, []string{"bob"}, username.Values("BoB"))
	assert.Nil(t, username.Values(nil))
	assert.Empty(t, username.Values(""))
	assert.Equal(t, []string{"admin", "kol"}, roles.Values([]string{"kol", "admin", "kol", ""}))
}

func TestFieldParse(t *testing.T) {
	s := testSchema(t)
	followers, _ := s.Field("followers")
	v, err := followers.Parse("250")
	require.NoError(t, err)
	assert.Equal(t, 250.0, v)

	_, err = followers.Parse("NaN")
	assert.Error(t, err)
}

func TestNewRejectsBadDeclarations(t *testing.T) {
	_, err := New("idx")
	assert.Error(t, err)

	_, err = New("User")
	assert.Error(t, err)

	_, err = New("user", Field{Name: "createdAt", Kind: KindString})
	assert.Error(t, err)

	_, err = New("user", Field{Name: "name", Kind: KindString, Index: &IndexSpec{Name: "name", Kind: Ordered}})
	assert.Error(t, err)

	_, err = New("user",
		Field{Name: "a", Kind: KindString},
		Field{Name: "a", Kind: KindNumber},
	)
	assert.Error(t, err)
}

func TestRegistryRejectsSharedIndexNames(t *testing.T) {
	a := MustNew("user", Field{Name: "status", Kind: KindString, Index: &IndexSpec{Name: "status", Kind: Membership}})
	b := MustNew("project", Field{Name: "status", Kind: KindString, Index: &IndexSpec{Name: "status", Kind: Membership}})

	_, err := NewRegistry(a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `index "status"`)
}

func TestRegistryGet(t *testing.T) {
	r, err := NewRegistry(testSchema(t))
	require.NoError(t, err)

	s, err := r.Get("user")
	require.NoError(t, err)
	assert.Equal(t, "user", s.Type)

	_, err = r.Get("campaign")
	assert.ErrorIs(t, err, apperrors.ErrUnknownEntityType)
	assert.Equal(t, []string{"user"}, r.Types())
}
