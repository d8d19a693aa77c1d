package entity

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinRegistry(t *testing.T) {
	r, err := Registry()
	require.NoError(t, err)
	assert.Equal(t, []string{TypeCampaign, TypeContract, TypeProject, TypeUser}, r.Types())
}

func TestUserAttributesValidate(t *testing.T) {
	attrs, err := Attributes(User{
		Username:       "bob",
		ApprovalStatus: StatusPending,
		Followers:      Float(1500),
		Roles:          []string{"kol"},
	})
	require.NoError(t, err)
	assert.NotContains(t, attrs, "country")

	out, err := UserSchema.Validate(attrs)
	require.NoError(t, err)
	assert.Equal(t, 1500.0, out["followers"])
	assert.Equal(t, []string{"kol"}, out["roles"])

	u, err := Decode[User](out)
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Username)
	require.NotNil(t, u.Followers)
	assert.Equal(t, 1500.0, *u.Followers)
}

func TestContractRequiresKol(t *testing.T) {
	attrs, err := Attributes(Contract{CampaignID: "c1", Status: "active"})
	require.NoError(t, err)

	_, err = ContractSchema.Validate(attrs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kolId: field is required")
}

func TestSamplesValidateAgainstSchemas(t *testing.T) {
	reg, err := Registry()
	require.NoError(t, err)

	samples := Samples(rand.New(rand.NewSource(1)), 20)
	counts := map[string]int{}
	for _, s := range samples {
		schema, err := reg.Get(s.Type)
		require.NoError(t, err)
		_, err = schema.Validate(s.Attributes)
		require.NoError(t, err, "%s %s", s.Type, s.ID)
		counts[s.Type]++
	}
	assert.Equal(t, map[string]int{TypeUser: 20, TypeProject: 2, TypeCampaign: 4, TypeContract: 20}, counts)
	assert.Empty(t, Samples(rand.New(rand.NewSource(1)), 0))
}
