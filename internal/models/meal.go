// internal/models/meal.go
package models

import (
	"time"
)

type MealSlot string

const (
	Breakfast MealSlot = "Breakfast"
	Lunch     MealSlot = "Lunch"
	Dinner    MealSlot = "Dinner"
	Snack     MealSlot = "Snack"
)

// Slots lists the meal slots in display order.
var Slots = []MealSlot{Breakfast, Lunch, Dinner, Snack}

// Valid reports whether s is one of the four known slots.
func (s MealSlot) Valid() bool {
	switch s {
	case Breakfast, Lunch, Dinner, Snack:
		return true
	}
	return false
}

// OrSnack returns s when it is a known slot and Snack otherwise.
func (s MealSlot) OrSnack() MealSlot {
	if s.Valid() {
		return s
	}
	return Snack
}

// MealRecord is a persisted meal. It is never mutated after creation.
type MealRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Calories  float64   `json:"calories"`
	Protein   float64   `json:"protein"`
	Carbs     float64   `json:"carbs"`
	Fat       float64   `json:"fat"`
	Slot      MealSlot  `json:"meal_slot"`
	CreatedAt time.Time `json:"created_at"`
}

// NutritionEstimate is produced by the inference client and copied into a draft.
type NutritionEstimate struct {
	FoodName string  `json:"food_name"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

const (
	DefaultDailyCalorieGoal = 2200
	DefaultWeightKg         = 70
)

// ProfileSettings is the single settings document kept per user.
type ProfileSettings struct {
	DailyCalorieGoal float64   `json:"daily_calorie_goal"`
	WeightKg         float64   `json:"weight_kg"`
	WaterCups        int       `json:"water_cups_today"`
	WaterDate        time.Time `json:"water_date,omitempty"`
	LastUpdated      time.Time `json:"last_updated,omitempty"`
}

// ProfilePatch is a merge-style partial update. Nil fields keep the stored value.
type ProfilePatch struct {
	DailyCalorieGoal *float64
	WeightKg         *float64
	WaterCups        *int
	WaterDate        *time.Time
}

// Empty reports whether the patch carries no field at all.
func (p ProfilePatch) Empty() bool {
	return p.DailyCalorieGoal == nil && p.WeightKg == nil && p.WaterCups == nil && p.WaterDate == nil
}
