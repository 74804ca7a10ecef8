// Package policy resolves the approval tier of a proposed tool call and manages
// the per-user overrides it consults.
package policy

import (
	"bytes"
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"approval-gate/internal/models"
	"approval-gate/internal/tools"
)

// Source explains which rule produced a classification.
type Source string

const (
	SourceStatic      Source = "static"
	SourcePreference  Source = "preference"
	SourceDefault     Source = "default"
	SourceUnknownTool Source = "unknown_tool"
	SourceBadArgs     Source = "malformed_args"
	SourceLookupError Source = "preference_lookup_failed"
)

// Classification is the effective tier for one call.
type Classification struct {
	Tier   models.Tier `json:"tier"`
	Source Source      `json:"source"`
	Tool   tools.Definition
	Known  bool
}

// PreferenceReader is the read side of the preference store.
type PreferenceReader interface {
	GetToolPreference(ctx context.Context, p models.Principal, userID, toolName string) (models.ToolPreference, bool, error)
}

// Classifier has no side effects; its answer depends only on the catalog and
// the current preference state.
type Classifier struct {
	catalog *tools.Catalog
	prefs   PreferenceReader
	logger  *zap.Logger
}

func NewClassifier(catalog *tools.Catalog, prefs PreferenceReader, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{catalog: catalog, prefs: prefs, logger: logger}
}

// Classify resolves the tier: a static always-requires-approval wins, then a
// stored preference, then the static default. Every failure resolves to
// requires-approval.
func (c *Classifier) Classify(ctx context.Context, userID, toolName string, args json.RawMessage) Classification {
	def, ok := c.catalog.Lookup(toolName)
	if !ok {
		return Classification{Tier: models.TierRequiresApproval, Source: SourceUnknownTool, Tool: tools.Definition{Name: toolName}}
	}
	if def.Tier == models.TierAlwaysRequiresApproval {
		return Classification{Tier: def.Tier, Source: SourceStatic, Tool: def, Known: true}
	}
	if !wellFormed(args) {
		return Classification{Tier: models.TierRequiresApproval, Source: SourceBadArgs, Tool: def, Known: true}
	}

	pref, found, err := c.prefs.GetToolPreference(ctx, models.UserPrincipal(userID), userID, toolName)
	if err != nil {
		c.logger.Warn("preference lookup failed; requiring approval",
			zap.String("user_id", userID), zap.String("tool", toolName), zap.Error(err))
		return Classification{Tier: models.TierRequiresApproval, Source: SourceLookupError, Tool: def, Known: true}
	}
	if found {
		return Classification{Tier: pref.Preference.Tier(), Source: SourcePreference, Tool: def, Known: true}
	}
	return Classification{Tier: def.Tier, Source: SourceDefault, Tool: def, Known: true}
}

// wellFormed accepts a JSON object (or no arguments at all).
func wellFormed(args json.RawMessage) bool {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 {
		return true
	}
	if trimmed[0] != '{' {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(trimmed, &obj) == nil
}
