package tracker

import (
	"context"
	"fmt"
	"time"

	"mcp-calorie-log/internal/aggregate"
	"mcp-calorie-log/internal/models"
)

// Profile returns the user's settings with defaults applied. A water count
// recorded on an earlier day reads as zero.
func (t *Tracker) Profile(ctx context.Context, userID string) (*models.ProfileSettings, error) {
	p, err := t.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if !aggregate.SameDay(p.WaterDate, t.now()) {
		p.WaterCups = 0
	}
	return p, nil
}

// AddWater records one more cup for today and returns today's count.
// The store increments in one statement, so concurrent calls never lose a cup,
// and a count left over from an earlier day restarts at one.
func (t *Tracker) AddWater(ctx context.Context, userID string) (int, error) {
	now := t.now()
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, t.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	cups, err := t.store.AddWater(ctx, userID, dayStart, dayEnd, now)
	if err != nil {
		return 0, fmt.Errorf("failed to record water: %w", err)
	}
	t.log.Debug("water added", "user", userID, "cups", cups)
	return cups, nil
}

// SetDailyGoal stores a new calorie goal. Callers validate that it is positive.
func (t *Tracker) SetDailyGoal(ctx context.Context, userID string, goal float64) error {
	return t.UpdateProfile(ctx, userID, models.ProfilePatch{DailyCalorieGoal: &goal})
}

// SetWeight stores a new body weight in kg. Callers validate that it is positive.
func (t *Tracker) SetWeight(ctx context.Context, userID string, kg float64) error {
	return t.UpdateProfile(ctx, userID, models.ProfilePatch{WeightKg: &kg})
}

// UpdateProfile merges patch into the stored settings.
func (t *Tracker) UpdateProfile(ctx context.Context, userID string, patch models.ProfilePatch) error {
	if patch.Empty() {
		return nil
	}
	if err := t.store.MergeProfile(ctx, userID, patch, t.now()); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	t.log.Info("profile updated", "user", userID)
	return nil
}
