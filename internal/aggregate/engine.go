// Package aggregate derives daily and weekly nutrition views from a meal snapshot.
// Every function here is pure: inputs are never modified and the same
// snapshot and reference instant always give the same result.
package aggregate

import (
	"time"

	"mcp-calorie-log/internal/models"
)

// WeekDays is the length of the rolling history window.
const WeekDays = 7

type Totals struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

type SlotGroup struct {
	Slot     models.MealSlot      `json:"slot"`
	Calories float64              `json:"calories"`
	Meals    []*models.MealRecord `json:"meals"`
}

type DayTotal struct {
	Date     time.Time `json:"date"`
	Label    string    `json:"label"`
	Calories float64   `json:"calories"`
	IsToday  bool      `json:"is_today"`
}

// SameDay reports whether a falls on the calendar day of ref, in ref's location.
// A zero timestamp is never on any day.
func SameDay(a, ref time.Time) bool {
	if a.IsZero() || ref.IsZero() {
		return false
	}
	a = a.In(ref.Location())
	ay, am, ad := a.Date()
	ry, rm, rd := ref.Date()
	return ay == ry && am == rm && ad == rd
}

// OnDay returns the meals created on day, keeping their input order.
func OnDay(meals []*models.MealRecord, day time.Time) []*models.MealRecord {
	var out []*models.MealRecord
	for _, m := range meals {
		if m != nil && SameDay(m.CreatedAt, day) {
			out = append(out, m)
		}
	}
	return out
}

// DailyTotals sums the four quantities over the meals of day.
func DailyTotals(meals []*models.MealRecord, day time.Time) Totals {
	var t Totals
	for _, m := range OnDay(meals, day) {
		t.Calories += models.Quantity(m.Calories)
		t.Protein += models.Quantity(m.Protein)
		t.Carbs += models.Quantity(m.Carbs)
		t.Fat += models.Quantity(m.Fat)
	}
	return t
}

// Remaining is what is left of the goal, never below zero.
func Remaining(goal, eaten float64) float64 {
	if eaten >= goal {
		return 0
	}
	return goal - eaten
}

// OverGoal reports whether eaten exceeds goal.
func OverGoal(goal, eaten float64) bool {
	return eaten > goal
}

// MacroPercent returns value as a fraction of total, clamped to [0,1].
func MacroPercent(value, total float64) float64 {
	if total <= 0 || value <= 0 {
		return 0
	}
	if p := value / total; p < 1 {
		return p
	}
	return 1
}

// GroupBySlot partitions the meals of day into the four slots, in display order.
// Meals with a missing or unknown slot land in Snack.
func GroupBySlot(meals []*models.MealRecord, day time.Time) []SlotGroup {
	idx := make(map[models.MealSlot]int, len(models.Slots))
	groups := make([]SlotGroup, len(models.Slots))
	for i, s := range models.Slots {
		groups[i] = SlotGroup{Slot: s, Meals: []*models.MealRecord{}}
		idx[s] = i
	}

	for _, m := range OnDay(meals, day) {
		g := &groups[idx[m.Slot.OrSnack()]]
		g.Meals = append(g.Meals, m)
		g.Calories += models.Quantity(m.Calories)
	}
	return groups
}

// Weekly returns calorie totals for day and the six days before it, oldest first.
func Weekly(meals []*models.MealRecord, day time.Time) []DayTotal {
	y, mo, d := day.Date()
	out := make([]DayTotal, 0, WeekDays)
	for i := WeekDays - 1; i >= 0; i-- {
		date := time.Date(y, mo, d-i, 0, 0, 0, 0, day.Location())
		out = append(out, DayTotal{
			Date:     date,
			Label:    date.Format("Mon"),
			Calories: DailyTotals(meals, date).Calories,
			IsToday:  i == 0,
		})
	}
	return out
}

// DefaultSlot picks a slot from the hour of t. Used only for brand-new drafts.
func DefaultSlot(t time.Time) models.MealSlot {
	switch h := t.Hour(); {
	case h < 11:
		return models.Breakfast
	case h < 15:
		return models.Lunch
	case h < 18:
		return models.Snack
	default:
		return models.Dinner
	}
}
