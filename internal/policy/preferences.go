package policy

import (
	"context"
	"fmt"
	"time"

	"approval-gate/internal/models"
	"approval-gate/internal/tools"
)

// PreferenceStore persists overrides and the tier-change trail.
type PreferenceStore interface {
	PreferenceReader
	ListToolPreferences(ctx context.Context, p models.Principal, userID string) ([]models.ToolPreference, error)
	SetToolPreference(ctx context.Context, p models.Principal, pref models.ToolPreference, reason string) (models.ToolPreference, error)
	DeleteToolPreference(ctx context.Context, p models.Principal, userID, toolName, reason string) error
	ListTierChanges(ctx context.Context, p models.Principal, toolName string, limit int) ([]models.TierChange, error)
	SyncToolCatalog(ctx context.Context, p models.Principal, version string, defaults []models.ToolDefault) (int, error)
}

// Preferences validates overrides against the catalog before storing them.
type Preferences struct {
	catalog *tools.Catalog
	store   PreferenceStore
	now     func() time.Time
}

func NewPreferences(catalog *tools.Catalog, store PreferenceStore, now func() time.Time) *Preferences {
	if now == nil {
		now = time.Now
	}
	return &Preferences{catalog: catalog, store: store, now: now}
}

// Set stores pref for (userID, toolName). Unknown tools and tools whose static
// tier is always-requires-approval are refused.
func (s *Preferences) Set(ctx context.Context, p models.Principal, userID, toolName string, pref models.Preference, reason string) (models.ToolPreference, error) {
	if err := s.overridable(toolName); err != nil {
		return models.ToolPreference{}, err
	}
	if _, err := models.ParsePreference(string(pref)); err != nil {
		return models.ToolPreference{}, err
	}
	return s.store.SetToolPreference(ctx, p, models.ToolPreference{
		UserID:     userID,
		ToolName:   toolName,
		Preference: pref,
		UpdatedAt:  s.now().UTC(),
	}, reason)
}

// Clear removes an override so the static default applies again.
func (s *Preferences) Clear(ctx context.Context, p models.Principal, userID, toolName, reason string) error {
	if _, ok := s.catalog.Lookup(toolName); !ok {
		return fmt.Errorf("tool %s: %w", toolName, models.ErrNotFound)
	}
	return s.store.DeleteToolPreference(ctx, p, userID, toolName, reason)
}

func (s *Preferences) List(ctx context.Context, p models.Principal, userID string) ([]models.ToolPreference, error) {
	return s.store.ListToolPreferences(ctx, p, userID)
}

func (s *Preferences) TierChanges(ctx context.Context, p models.Principal, toolName string, limit int) ([]models.TierChange, error) {
	return s.store.ListTierChanges(ctx, p, toolName, limit)
}

// SyncCatalog records any catalog default that differs from the stored one.
func (s *Preferences) SyncCatalog(ctx context.Context) (int, error) {
	return s.store.SyncToolCatalog(ctx, models.ServicePrincipal("catalog-sync"), s.catalog.Version, s.catalog.Defaults())
}

func (s *Preferences) overridable(toolName string) error {
	def, ok := s.catalog.Lookup(toolName)
	if !ok {
		return fmt.Errorf("tool %s: %w", toolName, models.ErrNotFound)
	}
	if !def.Tier.Overridable() {
		return fmt.Errorf("tool %s: %w", toolName, models.ErrNotOverridable)
	}
	return nil
}
