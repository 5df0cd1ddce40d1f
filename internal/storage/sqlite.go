// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"mcp-calorie-log/internal/models"
)

type SQLiteStorage struct {
	db   *sql.DB
	feed *Feed

	defaultGoal   float64
	defaultWeight float64
}

type Option func(*SQLiteStorage)

// WithProfileDefaults sets what GetProfile reports for a goal or weight never stored.
func WithProfileDefaults(goal, weightKg float64) Option {
	return func(s *SQLiteStorage) {
		if goal > 0 {
			s.defaultGoal = goal
		}
		if weightKg > 0 {
			s.defaultWeight = weightKg
		}
	}
}

func NewSQLiteStorage(dbPath string, logger *log.Logger, opts ...Option) (*SQLiteStorage, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writes serialized and makes :memory: behave as a single database.
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{
		db:            db,
		defaultGoal:   models.DefaultDailyCalorieGoal,
		defaultWeight: models.DefaultWeightKg,
	}
	for _, opt := range opts {
		opt(storage)
	}
	storage.feed = newFeed(storage.ListMeals, logger.With("component", "feed"))
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) Close() error {
	s.feed.close()
	return s.db.Close()
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS meals (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        name TEXT NOT NULL,
        calories REAL NOT NULL DEFAULT 0,
        protein REAL NOT NULL DEFAULT 0,
        carbs REAL NOT NULL DEFAULT 0,
        fat REAL NOT NULL DEFAULT 0,
        meal_slot TEXT NOT NULL,
        created_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS profiles (
        user_id TEXT PRIMARY KEY,
        daily_calorie_goal REAL,
        weight_kg REAL,
        water_cups INTEGER,
        water_date INTEGER,
        last_updated INTEGER NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_meals_user_created ON meals(user_id, created_at);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// CreateMeal appends a meal and notifies subscribers of the owner's collection.
func (s *SQLiteStorage) CreateMeal(ctx context.Context, meal *models.MealRecord) error {
	query := `
        INSERT INTO meals (id, user_id, name, calories, protein, carbs, fat, meal_slot, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err := s.db.ExecContext(ctx, query,
		meal.ID, meal.UserID, meal.Name, meal.Calories, meal.Protein,
		meal.Carbs, meal.Fat, string(meal.Slot), meal.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert meal: %w", err)
	}

	s.feed.publish(ctx, meal.UserID)
	return nil
}

// DeleteMeal removes one meal. It returns models.ErrNotFound when the user has no such meal.
func (s *SQLiteStorage) DeleteMeal(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM meals WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete meal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete meal: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("meal %s: %w", id, models.ErrNotFound)
	}

	s.feed.publish(ctx, userID)
	return nil
}

// ListMeals returns the user's whole collection, newest first.
func (s *SQLiteStorage) ListMeals(ctx context.Context, userID string) ([]*models.MealRecord, error) {
	return s.QueryMeals(ctx, userID, MealQuery{})
}

// MealQuery narrows QueryMeals. Zero values mean no bound.
type MealQuery struct {
	Since time.Time
	Until time.Time
	Limit int
}

func (s *SQLiteStorage) QueryMeals(ctx context.Context, userID string, q MealQuery) ([]*models.MealRecord, error) {
	query := `
        SELECT id, user_id, name, calories, protein, carbs, fat, meal_slot, created_at
        FROM meals
        WHERE user_id = ?
    `
	args := []interface{}{userID}

	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, q.Until.UnixNano())
	}

	query += " ORDER BY created_at DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query meals: %w", err)
	}
	defer rows.Close()

	meals := []*models.MealRecord{}
	for rows.Next() {
		meal := &models.MealRecord{}
		var slot string
		var createdAt int64

		err := rows.Scan(
			&meal.ID, &meal.UserID, &meal.Name, &meal.Calories, &meal.Protein,
			&meal.Carbs, &meal.Fat, &slot, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meal: %w", err)
		}

		meal.Slot = models.MealSlot(slot)
		meal.CreatedAt = time.Unix(0, createdAt).UTC()
		meals = append(meals, meal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate meals: %w", err)
	}

	return meals, nil
}

// GetProfile returns the stored settings with defaults for anything never set.
func (s *SQLiteStorage) GetProfile(ctx context.Context, userID string) (*models.ProfileSettings, error) {
	query := `
        SELECT daily_calorie_goal, weight_kg, water_cups, water_date, last_updated
        FROM profiles
        WHERE user_id = ?
    `
	var (
		goal, weight         sql.NullFloat64
		water                sql.NullInt64
		waterDate, updatedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&goal, &weight, &water, &waterDate, &updatedAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	profile := &models.ProfileSettings{
		DailyCalorieGoal: s.defaultGoal,
		WeightKg:         s.defaultWeight,
	}
	if goal.Valid && goal.Float64 > 0 {
		profile.DailyCalorieGoal = goal.Float64
	}
	if weight.Valid && weight.Float64 > 0 {
		profile.WeightKg = weight.Float64
	}
	if water.Valid && water.Int64 > 0 {
		profile.WaterCups = int(water.Int64)
	}
	if waterDate.Valid {
		profile.WaterDate = time.Unix(0, waterDate.Int64).UTC()
	}
	if updatedAt.Valid {
		profile.LastUpdated = time.Unix(0, updatedAt.Int64).UTC()
	}

	return profile, nil
}

// MergeProfile upserts the fields present in patch, leaving the rest untouched.
func (s *SQLiteStorage) MergeProfile(ctx context.Context, userID string, patch models.ProfilePatch, now time.Time) error {
	query := `
        INSERT INTO profiles (user_id, daily_calorie_goal, weight_kg, water_cups, water_date, last_updated)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            daily_calorie_goal = COALESCE(excluded.daily_calorie_goal, profiles.daily_calorie_goal),
            weight_kg = COALESCE(excluded.weight_kg, profiles.weight_kg),
            water_cups = COALESCE(excluded.water_cups, profiles.water_cups),
            water_date = COALESCE(excluded.water_date, profiles.water_date),
            last_updated = excluded.last_updated
    `

	var goal, weight sql.NullFloat64
	var water, waterDate sql.NullInt64
	if patch.DailyCalorieGoal != nil {
		goal = sql.NullFloat64{Float64: *patch.DailyCalorieGoal, Valid: true}
	}
	if patch.WeightKg != nil {
		weight = sql.NullFloat64{Float64: *patch.WeightKg, Valid: true}
	}
	if patch.WaterCups != nil {
		water = sql.NullInt64{Int64: int64(*patch.WaterCups), Valid: true}
	}
	if patch.WaterDate != nil {
		waterDate = sql.NullInt64{Int64: patch.WaterDate.UnixNano(), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, query, userID, goal, weight, water, waterDate, now.UnixNano()); err != nil {
		return fmt.Errorf("failed to merge profile: %w", err)
	}
	return nil
}

// AddWater counts one more cup for the day [dayStart, dayEnd) in a single
// statement and returns the new count. A count stored for any other day
// restarts at one.
func (s *SQLiteStorage) AddWater(ctx context.Context, userID string, dayStart, dayEnd, now time.Time) (int, error) {
	query := `
        INSERT INTO profiles (user_id, water_cups, water_date, last_updated)
        VALUES (?, 1, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            water_cups = CASE
                WHEN profiles.water_date >= ? AND profiles.water_date < ?
                    THEN COALESCE(profiles.water_cups, 0) + 1
                ELSE 1
            END,
            water_date = excluded.water_date,
            last_updated = excluded.last_updated
        RETURNING water_cups
    `

	var cups int
	err := s.db.QueryRowContext(ctx, query,
		userID, now.UnixNano(), now.UnixNano(), dayStart.UnixNano(), dayEnd.UnixNano(),
	).Scan(&cups)
	if err != nil {
		return 0, fmt.Errorf("failed to add water: %w", err)
	}
	return cups, nil
}

// Subscribe streams full meal snapshots for userID. See Feed.Subscribe.
func (s *SQLiteStorage) Subscribe(ctx context.Context, userID string) (<-chan Snapshot, error) {
	return s.feed.Subscribe(ctx, userID)
}
