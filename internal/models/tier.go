package models

import (
	"fmt"
	"time"
)

// Tier is the approval policy a tool call resolves to.
type Tier string

const (
	TierAuto                   Tier = "auto"
	TierRequiresApproval       Tier = "requires_approval"
	TierAlwaysRequiresApproval Tier = "always_requires_approval"
)

// ParseTier rejects anything outside the three known tiers.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierAuto, TierRequiresApproval, TierAlwaysRequiresApproval:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown tier %q", ErrInvalid, s)
}

// RequiresApproval reports whether a call at this tier must wait for a human.
func (t Tier) RequiresApproval() bool {
	return t != TierAuto
}

// Overridable reports whether a user preference may replace this tier.
func (t Tier) Overridable() bool {
	return t == TierAuto || t == TierRequiresApproval
}

// Preference is a user's override for a tool. It can never express
// TierAlwaysRequiresApproval.
type Preference string

const (
	PreferenceAuto             Preference = "auto"
	PreferenceRequiresApproval Preference = "requires_approval"
)

func ParsePreference(s string) (Preference, error) {
	switch p := Preference(s); p {
	case PreferenceAuto, PreferenceRequiresApproval:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown preference %q", ErrInvalid, s)
}

// Tier maps the preference onto the tier it selects.
func (p Preference) Tier() Tier {
	if p == PreferenceAuto {
		return TierAuto
	}
	return TierRequiresApproval
}

// ToolPreference is one user's active override for one tool.
type ToolPreference struct {
	UserID     string     `json:"user_id"`
	ToolName   string     `json:"tool_name"`
	Preference Preference `json:"preference"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TierChangeSource says what caused a tier to change.
type TierChangeSource string

const (
	TierChangeCatalog    TierChangeSource = "catalog"
	TierChangePreference TierChangeSource = "preference"
)

// TierChange is an append-only record of a tool's effective tier changing,
// either because the catalog default moved or a user override was set or removed.
// An empty OldTier means there was no previous value; an empty NewTier means the
// override was removed.
type TierChange struct {
	ID        string           `json:"id"`
	ToolName  string           `json:"tool_name"`
	UserID    string           `json:"user_id,omitempty"`
	OldTier   Tier             `json:"old_tier,omitempty"`
	NewTier   Tier             `json:"new_tier,omitempty"`
	Source    TierChangeSource `json:"source"`
	Reason    string           `json:"reason,omitempty"`
	ChangedBy string           `json:"changed_by"`
	ChangedAt time.Time        `json:"changed_at"`
}

// ToolDefault is the catalog's static tier for a tool as persisted.
type ToolDefault struct {
	ToolName string `json:"tool_name"`
	Tier     Tier   `json:"tier"`
}
