// Package entity declares the Nabulines entity types stored through the index
// manager: KOL users, projects, campaigns and the contracts binding a KOL to a
// campaign. Each type has a schema, which drives validation and indexing, and a
// typed struct for code that builds records in Go.
package entity

import (
	"encoding/json"
	"fmt"

	"github.com/nabulines/nabulines/internal/schema"
)

const (
	TypeUser     = "user"
	TypeProject  = "project"
	TypeCampaign = "campaign"
	TypeContract = "contract"
)

// Approval states shared by users and projects.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

func membership(name string) *schema.IndexSpec {
	return &schema.IndexSpec{Name: name, Kind: schema.Membership}
}

func folded(name string) *schema.IndexSpec {
	return &schema.IndexSpec{Name: name, Kind: schema.Membership, Fold: true}
}

func ordered(name string) *schema.IndexSpec {
	return &schema.IndexSpec{Name: name, Kind: schema.Ordered}
}

var (
	UserSchema = schema.MustNew(TypeUser,
		schema.Field{Name: "username", Kind: schema.KindString, Required: true, Index: folded("username")},
		schema.Field{Name: "displayName", Kind: schema.KindString},
		schema.Field{Name: "approvalStatus", Kind: schema.KindString, Required: true, Index: membership("status")},
		schema.Field{Name: "country", Kind: schema.KindString, Index: membership("country")},
		schema.Field{Name: "followers", Kind: schema.KindNumber, Index: ordered("followers")},
		schema.Field{Name: "wallet", Kind: schema.KindString, Index: folded("wallet")},
		schema.Field{Name: "roles", Kind: schema.KindStrings, Index: membership("role")},
		schema.Field{Name: "discordId", Kind: schema.KindString},
	)

	ProjectSchema = schema.MustNew(TypeProject,
		schema.Field{Name: "name", Kind: schema.KindString, Required: true, Index: folded("project_name")},
		schema.Field{Name: "chain", Kind: schema.KindString, Index: membership("chain")},
		schema.Field{Name: "approvalStatus", Kind: schema.KindString, Required: true, Index: membership("project_status")},
		schema.Field{Name: "ownerId", Kind: schema.KindString, Index: membership("project_owner")},
		schema.Field{Name: "website", Kind: schema.KindString},
	)

	CampaignSchema = schema.MustNew(TypeCampaign,
		schema.Field{Name: "projectId", Kind: schema.KindString, Required: true, Index: membership("campaign_project")},
		schema.Field{Name: "title", Kind: schema.KindString},
		schema.Field{Name: "status", Kind: schema.KindString, Required: true, Index: membership("campaign_status")},
		schema.Field{Name: "chain", Kind: schema.KindString, Index: membership("campaign_chain")},
		schema.Field{Name: "budget", Kind: schema.KindNumber, Index: ordered("campaign_budget")},
	)

	ContractSchema = schema.MustNew(TypeContract,
		schema.Field{Name: "campaignId", Kind: schema.KindString, Required: true, Index: membership("contract_campaign")},
		schema.Field{Name: "kolId", Kind: schema.KindString, Required: true, Index: membership("contract_kol")},
		schema.Field{Name: "status", Kind: schema.KindString, Required: true, Index: membership("contract_status")},
		schema.Field{Name: "engagementScore", Kind: schema.KindNumber, Index: ordered("engagement")},
	)
)

// Registry returns a registry holding every built-in entity type.
func Registry() (*schema.Registry, error) {
	return schema.NewRegistry(UserSchema, ProjectSchema, CampaignSchema, ContractSchema)
}

// User is a KOL profile.
type User struct {
	Username       string   `json:"username"`
	DisplayName    string   `json:"displayName,omitempty"`
	ApprovalStatus string   `json:"approvalStatus"`
	Country        string   `json:"country,omitempty"`
	Followers      *float64 `json:"followers,omitempty"`
	Wallet         string   `json:"wallet,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	DiscordID      string   `json:"discordId,omitempty"`
}

// Project is a blockchain project running campaigns.
type Project struct {
	Name           string `json:"name"`
	Chain          string `json:"chain,omitempty"`
	ApprovalStatus string `json:"approvalStatus"`
	OwnerID        string `json:"ownerId,omitempty"`
	Website        string `json:"website,omitempty"`
}

// Campaign is a marketing campaign of a project.
type Campaign struct {
	ProjectID string   `json:"projectId"`
	Title     string   `json:"title,omitempty"`
	Status    string   `json:"status"`
	Chain     string   `json:"chain,omitempty"`
	Budget    *float64 `json:"budget,omitempty"`
}

// Contract binds a KOL to a campaign.
type Contract struct {
	CampaignID      string   `json:"campaignId"`
	KolID           string   `json:"kolId"`
	Status          string   `json:"status"`
	EngagementScore *float64 `json:"engagementScore,omitempty"`
}

// Attributes converts a typed entity to the attribute map the index manager
// stores. Zero-valued optional fields are omitted.
func Attributes(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("decoding %T attributes: %w", v, err)
	}
	return attrs, nil
}

// Decode fills a typed entity from stored attributes. Attributes the type
// does not know are ignored.
func Decode[T any](attrs map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(attrs)
	if err != nil {
		return out, fmt.Errorf("encoding attributes: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decoding %T: %w", out, err)
	}
	return out, nil
}

// Float is a convenience for optional numeric fields.
func Float(v float64) *float64 {
	return &v
}
