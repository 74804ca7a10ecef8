package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"approval-gate/internal/models"
)

// GetToolPreference returns the user's override for toolName, if any.
func (s *Store) GetToolPreference(ctx context.Context, p models.Principal, userID, toolName string) (models.ToolPreference, bool, error) {
	if !p.CanAccess(userID) {
		return models.ToolPreference{}, false, fmt.Errorf("%w: cannot read preferences of %s", models.ErrForbidden, userID)
	}
	var tp models.ToolPreference
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, tool_name, preference, updated_at
		FROM user_tool_preferences WHERE user_id = $1 AND tool_name = $2
	`, userID, toolName).Scan(&tp.UserID, &tp.ToolName, &tp.Preference, &tp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ToolPreference{}, false, nil
	}
	if err != nil {
		return models.ToolPreference{}, false, fmt.Errorf("query preference: %w", err)
	}
	return tp, true, nil
}

func (s *Store) ListToolPreferences(ctx context.Context, p models.Principal, userID string) ([]models.ToolPreference, error) {
	if !p.CanAccess(userID) {
		return nil, fmt.Errorf("%w: cannot read preferences of %s", models.ErrForbidden, userID)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, tool_name, preference, updated_at
		FROM user_tool_preferences WHERE user_id = $1 ORDER BY tool_name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	var out []models.ToolPreference
	for rows.Next() {
		var tp models.ToolPreference
		if err := rows.Scan(&tp.UserID, &tp.ToolName, &tp.Preference, &tp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}

// SetToolPreference upserts the override and records a tier change when the
// effective preference actually moved.
func (s *Store) SetToolPreference(ctx context.Context, p models.Principal, pref models.ToolPreference, reason string) (models.ToolPreference, error) {
	if !p.CanAccess(pref.UserID) {
		return models.ToolPreference{}, fmt.Errorf("%w: cannot set preferences of %s", models.ErrForbidden, pref.UserID)
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var old pgtype.Text
		err := tx.QueryRow(ctx, `
			SELECT preference FROM user_tool_preferences
			WHERE user_id = $1 AND tool_name = $2 FOR UPDATE
		`, pref.UserID, pref.ToolName).Scan(&old)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock preference: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_tool_preferences (user_id, tool_name, preference, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, tool_name) DO UPDATE
			SET preference = EXCLUDED.preference, updated_at = EXCLUDED.updated_at
		`, pref.UserID, pref.ToolName, pref.Preference, pref.UpdatedAt); err != nil {
			return fmt.Errorf("upsert preference: %w", err)
		}
		if old.Valid && models.Preference(old.String) == pref.Preference {
			return nil
		}
		var oldTier models.Tier
		if old.Valid {
			oldTier = models.Preference(old.String).Tier()
		}
		return insertTierChange(ctx, tx, models.TierChange{
			ID:        uuid.NewString(),
			ToolName:  pref.ToolName,
			UserID:    pref.UserID,
			OldTier:   oldTier,
			NewTier:   pref.Preference.Tier(),
			Source:    models.TierChangePreference,
			Reason:    reason,
			ChangedBy: p.Name(),
			ChangedAt: pref.UpdatedAt,
		})
	})
	if err != nil {
		return models.ToolPreference{}, err
	}
	return pref, nil
}

// DeleteToolPreference removes the override. Removing a missing override is
// not an error.
func (s *Store) DeleteToolPreference(ctx context.Context, p models.Principal, userID, toolName, reason string) error {
	if !p.CanAccess(userID) {
		return fmt.Errorf("%w: cannot delete preferences of %s", models.ErrForbidden, userID)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var (
			old models.Preference
			at  pgtype.Timestamptz
		)
		err := tx.QueryRow(ctx, `
			DELETE FROM user_tool_preferences WHERE user_id = $1 AND tool_name = $2
			RETURNING preference, now()
		`, userID, toolName).Scan(&old, &at)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete preference: %w", err)
		}
		return insertTierChange(ctx, tx, models.TierChange{
			ID:        uuid.NewString(),
			ToolName:  toolName,
			UserID:    userID,
			OldTier:   old.Tier(),
			Source:    models.TierChangePreference,
			Reason:    reason,
			ChangedBy: p.Name(),
			ChangedAt: at.Time,
		})
	})
}

// ListTierChanges returns the trail for toolName, newest first. A user sees
// catalog changes and their own preference changes.
func (s *Store) ListTierChanges(ctx context.Context, p models.Principal, toolName string, limit int) ([]models.TierChange, error) {
	svc, uid := userScope(p)
	rows, err := s.pool.Query(ctx, `
		SELECT id, tool_name, user_id, old_tier, new_tier, source, reason, changed_by, changed_at
		FROM tool_tier_changes
		WHERE tool_name = $1 AND ($2 OR user_id IS NULL OR user_id = $3)
		ORDER BY changed_at DESC, id
		LIMIT $4
	`, toolName, svc, uid, clampLimit(limit, 50, 500))
	if err != nil {
		return nil, fmt.Errorf("list tier changes: %w", err)
	}
	defer rows.Close()

	var out []models.TierChange
	for rows.Next() {
		var (
			c                        models.TierChange
			user, oldT, newT, reason pgtype.Text
		)
		if err := rows.Scan(&c.ID, &c.ToolName, &user, &oldT, &newT, &c.Source, &reason, &c.ChangedBy, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan tier change: %w", err)
		}
		c.UserID = textValue(user)
		c.OldTier = models.Tier(textValue(oldT))
		c.NewTier = models.Tier(textValue(newT))
		c.Reason = textValue(reason)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SyncToolCatalog stores the catalog's defaults and appends a tier change for
// every tool whose default differs from the stored one. Concurrent callers are
// serialized by an advisory lock.
func (s *Store) SyncToolCatalog(ctx context.Context, p models.Principal, version string, defaults []models.ToolDefault) (int, error) {
	if err := requireService(p); err != nil {
		return 0, err
	}
	changed := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('tool_catalog_sync'))`); err != nil {
			return fmt.Errorf("acquire catalog lock: %w", err)
		}
		for _, d := range defaults {
			var old pgtype.Text
			err := tx.QueryRow(ctx, `SELECT tier FROM tool_defaults WHERE tool_name = $1`, d.ToolName).Scan(&old)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("load tool default: %w", err)
			}
			if old.Valid && models.Tier(old.String) == d.Tier {
				continue
			}
			var at pgtype.Timestamptz
			if err := tx.QueryRow(ctx, `
				INSERT INTO tool_defaults (tool_name, tier, catalog_version, updated_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (tool_name) DO UPDATE
				SET tier = EXCLUDED.tier, catalog_version = EXCLUDED.catalog_version, updated_at = EXCLUDED.updated_at
				RETURNING updated_at
			`, d.ToolName, d.Tier, version).Scan(&at); err != nil {
				return fmt.Errorf("upsert tool default: %w", err)
			}
			if err := insertTierChange(ctx, tx, models.TierChange{
				ID:        uuid.NewString(),
				ToolName:  d.ToolName,
				OldTier:   models.Tier(textValue(old)),
				NewTier:   d.Tier,
				Source:    models.TierChangeCatalog,
				Reason:    "catalog " + version,
				ChangedBy: p.Name(),
				ChangedAt: at.Time,
			}); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func insertTierChange(ctx context.Context, q querier, c models.TierChange) error {
	_, err := q.Exec(ctx, `
		INSERT INTO tool_tier_changes (id, tool_name, user_id, old_tier, new_tier, source, reason, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.ToolName, emptyToNil(c.UserID), emptyToNil(string(c.OldTier)), emptyToNil(string(c.NewTier)),
		c.Source, emptyToNil(c.Reason), c.ChangedBy, c.ChangedAt)
	if err != nil {
		return fmt.Errorf("insert tier change: %w", err)
	}
	return nil
}
