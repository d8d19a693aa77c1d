package entity

import (
	"fmt"
	"math/rand"
)

var (
	sampleCountries = []string{"US", "VN", "SG", "KR", "DE", "BR", "NG", "IN"}
	sampleChains    = []string{"ethereum", "solana", "base", "arbitrum", "ton"}
	sampleRoles     = []string{"kol", "moderator", "ambassador", "analyst"}
	sampleStatuses  = []string{StatusPending, StatusApproved, StatusRejected}
	campaignStates  = []string{"draft", "live", "ended"}
	contractStates  = []string{"offered", "signed", "delivered", "paid"}
)

// SampleRecord is one generated record for seeding and load tests.
type SampleRecord struct {
	Type       string
	ID         string
	Attributes map[string]any
}

// Samples generates a connected data set: users, projects owned by some of
// them, campaigns of those projects and contracts binding users to
// campaigns. n is the number of users; the other types scale from it.
func Samples(rng *rand.Rand, n int) []SampleRecord {
	if n <= 0 {
		return nil
	}
	projects := max(1, n/10)
	campaigns := max(1, n/5)
	contracts := n

	out := make([]SampleRecord, 0, n+projects+campaigns+contracts)
	for i := 0; i < n; i++ {
		out = append(out, SampleUser(rng, i))
	}
	for i := 0; i < projects; i++ {
		out = append(out, sample(TypeProject, fmt.Sprintf("project_%d", i), Project{
			Name:           fmt.Sprintf("Project %d", i),
			Chain:          pick(rng, sampleChains),
			ApprovalStatus: pick(rng, sampleStatuses),
			OwnerID:        fmt.Sprintf("user_%d", rng.Intn(n)),
			Website:        fmt.Sprintf("https://project%d.example", i),
		}))
	}
	for i := 0; i < campaigns; i++ {
		out = append(out, sample(TypeCampaign, fmt.Sprintf("campaign_%d", i), Campaign{
			ProjectID: fmt.Sprintf("project_%d", rng.Intn(projects)),
			Title:     fmt.Sprintf("Campaign %d", i),
			Status:    pick(rng, campaignStates),
			Chain:     pick(rng, sampleChains),
			Budget:    Float(float64(1000 * (1 + rng.Intn(100)))),
		}))
	}
	for i := 0; i < contracts; i++ {
		out = append(out, sample(TypeContract, fmt.Sprintf("contract_%d", i), Contract{
			CampaignID:      fmt.Sprintf("campaign_%d", rng.Intn(campaigns)),
			KolID:           fmt.Sprintf("user_%d", rng.Intn(n)),
			Status:          pick(rng, contractStates),
			EngagementScore: Float(float64(rng.Intn(10000)) / 100),
		}))
	}
	return out
}

// SampleUser generates the i-th sample user.
func SampleUser(rng *rand.Rand, i int) SampleRecord {
	roles := []string{"kol"}
	if rng.Intn(4) == 0 {
		roles = append(roles, pick(rng, sampleRoles[1:]))
	}
	return sample(TypeUser, fmt.Sprintf("user_%d", i), User{
		Username:       fmt.Sprintf("kol_%d", i),
		DisplayName:    fmt.Sprintf("KOL %d", i),
		ApprovalStatus: pick(rng, sampleStatuses),
		Country:        pick(rng, sampleCountries),
		Followers:      Float(float64(rng.Intn(1_000_000))),
		Wallet:         fmt.Sprintf("0x%040x", rng.Int63()),
		Roles:          roles,
	})
}

// sample converts a typed entity. The built-in types always encode.
func sample(entityType, id string, v any) SampleRecord {
	attrs, err := Attributes(v)
	if err != nil {
		panic(err)
	}
	return SampleRecord{Type: entityType, ID: id, Attributes: attrs}
}

func pick(rng *rand.Rand, from []string) string {
	return from[rng.Intn(len(from))]
}
