package aggregate

import (
	"time"

	"mcp-calorie-log/internal/models"
)

// MacroTargets are the fixed gram targets the macro bars are drawn against.
type MacroTargets struct {
	Carbs   float64 `json:"carbs"`
	Protein float64 `json:"protein"`
	Fat     float64 `json:"fat"`
}

func DefaultMacroTargets() MacroTargets {
	return MacroTargets{Carbs: 250, Protein: 150, Fat: 80}
}

type MacroBar struct {
	Label   string  `json:"label"`
	Grams   float64 `json:"grams"`
	Target  float64 `json:"target"`
	Percent float64 `json:"percent"`
}

// Dashboard is everything the home and history views need, computed in one pass.
type Dashboard struct {
	Date      time.Time   `json:"date"`
	Totals    Totals      `json:"totals"`
	Goal      float64     `json:"goal"`
	Remaining float64     `json:"remaining"`
	OverGoal  bool        `json:"over_goal"`
	Progress  float64     `json:"progress"`
	Macros    []MacroBar  `json:"macros"`
	Slots     []SlotGroup `json:"slots"`
	Weekly    []DayTotal  `json:"weekly"`
	WeightKg  float64     `json:"weight_kg"`
	WaterCups int         `json:"water_cups"`
	MealCount int         `json:"meal_count"`
}

// Build recomputes the dashboard for now from a full snapshot.
// The profile is expected to have defaults and the stale-day water reset applied.
func Build(meals []*models.MealRecord, profile models.ProfileSettings, targets MacroTargets, now time.Time) *Dashboard {
	totals := DailyTotals(meals, now)
	goal := profile.DailyCalorieGoal

	return &Dashboard{
		Date:      now,
		Totals:    totals,
		Goal:      goal,
		Remaining: Remaining(goal, totals.Calories),
		OverGoal:  OverGoal(goal, totals.Calories),
		Progress:  MacroPercent(totals.Calories, goal),
		Macros: []MacroBar{
			{Label: "Carbs", Grams: totals.Carbs, Target: targets.Carbs, Percent: MacroPercent(totals.Carbs, targets.Carbs)},
			{Label: "Protein", Grams: totals.Protein, Target: targets.Protein, Percent: MacroPercent(totals.Protein, targets.Protein)},
			{Label: "Fat", Grams: totals.Fat, Target: targets.Fat, Percent: MacroPercent(totals.Fat, targets.Fat)},
		},
		Slots:     GroupBySlot(meals, now),
		Weekly:    Weekly(meals, now),
		WeightKg:  profile.WeightKg,
		WaterCups: profile.WaterCups,
		MealCount: len(OnDay(meals, now)),
	}
}
