// Package tracker ties meal drafts, photo scans, the meal store and the
// aggregation engine together for one or more users.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"mcp-calorie-log/internal/aggregate"
	"mcp-calorie-log/internal/models"
	"mcp-calorie-log/internal/storage"
)

// ScanFailedNotice is shown when a photo could not be turned into an estimate.
const ScanFailedNotice = "AI scan failed. Please enter manually."

// MealStore persists meals and profile settings.
type MealStore interface {
	CreateMeal(ctx context.Context, meal *models.MealRecord) error
	DeleteMeal(ctx context.Context, userID, id string) error
	ListMeals(ctx context.Context, userID string) ([]*models.MealRecord, error)
	GetProfile(ctx context.Context, userID string) (*models.ProfileSettings, error)
	MergeProfile(ctx context.Context, userID string, patch models.ProfilePatch, now time.Time) error
	// AddWater atomically increments the cup count for the day [dayStart, dayEnd).
	AddWater(ctx context.Context, userID string, dayStart, dayEnd, now time.Time) (int, error)
}

// SnapshotSource streams full meal snapshots for a user.
type SnapshotSource interface {
	Subscribe(ctx context.Context, userID string) (<-chan storage.Snapshot, error)
}

// Estimator turns a base64 JPEG payload into a nutrition estimate.
type Estimator interface {
	Estimate(ctx context.Context, payload string) (*models.NutritionEstimate, error)
}

// ImageNormalizer prepares raw photo bytes for the estimator.
type ImageNormalizer interface {
	Normalize(raw []byte) (string, error)
}

type Options struct {
	Store      MealStore
	Feed       SnapshotSource
	Normalizer ImageNormalizer
	Estimator  Estimator
	Targets    aggregate.MacroTargets
	// Location decides which calendar day "today" is. Defaults to time.Local.
	Location *time.Location
	Now      func() time.Time
	NewID    func() string
	Logger   *log.Logger

	// DraftTTL and MaxDraftsPerUser bound the open drafts. Zero means the DraftBook defaults.
	DraftTTL         time.Duration
	MaxDraftsPerUser int
}

type Tracker struct {
	store      MealStore
	feed       SnapshotSource
	normalizer ImageNormalizer
	estimator  Estimator
	targets    aggregate.MacroTargets
	loc        *time.Location
	clock      func() time.Time
	newID      func() string
	drafts     *DraftBook
	log        *log.Logger
}

func New(opts Options) *Tracker {
	t := &Tracker{
		store:      opts.Store,
		feed:       opts.Feed,
		normalizer: opts.Normalizer,
		estimator:  opts.Estimator,
		targets:    opts.Targets,
		loc:        opts.Location,
		clock:      opts.Now,
		newID:      opts.NewID,
		log:        opts.Logger,
	}
	if t.loc == nil {
		t.loc = time.Local
	}
	if t.clock == nil {
		t.clock = time.Now
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	if t.targets == (aggregate.MacroTargets{}) {
		t.targets = aggregate.DefaultMacroTargets()
	}
	if t.log == nil {
		t.log = log.Default()
	}
	t.log = t.log.With("component", "tracker")
	t.drafts = NewDraftBook(
		WithDraftClock(t.clock),
		WithDraftTTL(opts.DraftTTL),
		WithDraftLimit(opts.MaxDraftsPerUser),
	)
	return t
}

func (t *Tracker) now() time.Time {
	return t.clock().In(t.loc)
}

// Location is the zone calendar days are computed in.
func (t *Tracker) Location() *time.Location {
	return t.loc
}

// LogMeal validates a complete entry and stores it in one step. An empty slot
// is picked from the current hour.
func (t *Tracker) LogMeal(ctx context.Context, userID string, draft models.DraftMeal) (*models.MealRecord, error) {
	now := t.now()
	if draft.Slot == "" {
		draft.Slot = aggregate.DefaultSlot(now)
	}
	rec, err := draft.ToRecord(t.newID(), userID, now)
	if err != nil {
		return nil, err
	}
	if err := t.store.CreateMeal(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save meal: %w", err)
	}
	t.log.Info("meal logged", "user", userID, "id", rec.ID, "slot", rec.Slot, "calories", rec.Calories)
	return rec, nil
}

func (t *Tracker) DeleteMeal(ctx context.Context, userID, id string) error {
	if err := t.store.DeleteMeal(ctx, userID, id); err != nil {
		return fmt.Errorf("failed to delete meal: %w", err)
	}
	t.log.Info("meal deleted", "user", userID, "id", id)
	return nil
}

// Meals returns the user's meals newest first. When day is non-zero only meals
// on that calendar day are returned.
func (t *Tracker) Meals(ctx context.Context, userID string, day time.Time) ([]*models.MealRecord, error) {
	meals, err := t.store.ListMeals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list meals: %w", err)
	}
	if day.IsZero() {
		return meals, nil
	}
	return aggregate.OnDay(meals, day.In(t.loc)), nil
}

// Dashboard computes the current view for userID from the stored meals and profile.
func (t *Tracker) Dashboard(ctx context.Context, userID string) (*aggregate.Dashboard, error) {
	meals, err := t.store.ListMeals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list meals: %w", err)
	}
	return t.build(ctx, userID, meals)
}

func (t *Tracker) build(ctx context.Context, userID string, meals []*models.MealRecord) (*aggregate.Dashboard, error) {
	profile, err := t.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return aggregate.Build(meals, *profile, t.targets, t.now()), nil
}

// Watch calls fn with a freshly computed dashboard for every snapshot of the
// user's meals, starting with the current one. It returns when ctx is done,
// the feed closes, or fn returns an error.
func (t *Tracker) Watch(ctx context.Context, userID string, fn func(*aggregate.Dashboard) error) error {
	if t.feed == nil {
		return errors.New("live updates not configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapshots, err := t.feed.Subscribe(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	for snap := range snapshots {
		dash, err := t.build(ctx, userID, snap.Meals)
		if err != nil {
			return err
		}
		if err := fn(dash); err != nil {
			return err
		}
	}
	return ctx.Err()
}
