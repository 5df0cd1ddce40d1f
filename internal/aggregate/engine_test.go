package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-calorie-log/internal/models"
)

var testLoc = time.FixedZone("UTC+2", 2*60*60)

// 2026-03-04 is a Wednesday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, 3, day, hour, minute, 0, 0, testLoc)
}

func meal(name string, cal, p, c, f float64, slot models.MealSlot, created time.Time) *models.MealRecord {
	return &models.MealRecord{ID: name, Name: name, Calories: cal, Protein: p, Carbs: c, Fat: f, Slot: slot, CreatedAt: created}
}

func sampleMeals() []*models.MealRecord {
	return []*models.MealRecord{
		meal("eggs", 300, 20, 2, 22, models.Breakfast, at(4, 7, 30)),
		meal("salad", 450, 15, 30, 25, models.Lunch, at(4, 12, 5)),
		meal("cookie", 120, 1, 18, 5, "", at(4, 16, 0)),
		meal("mystery", 80, 0, 10, 3, "Brunch", at(4, 10, 0)),
		meal("yesterday-pasta", 700, 25, 90, 20, models.Dinner, at(3, 20, 0)),
		meal("week-ago", 999, 0, 0, 0, models.Dinner, time.Date(2026, 2, 25, 9, 0, 0, 0, testLoc)),
		meal("undated", 5000, 0, 0, 0, models.Lunch, time.Time{}),
	}
}

func TestSameDay(t *testing.T) {
	t.Parallel()

	ref := at(4, 12, 0)

	assert.True(t, SameDay(at(4, 0, 0), ref))
	assert.True(t, SameDay(at(4, 23, 59), ref))
	assert.False(t, SameDay(at(3, 23, 59), ref))
	assert.False(t, SameDay(at(5, 0, 0), ref))
	assert.False(t, SameDay(time.Time{}, ref))

	// 23:30 UTC on the 3rd is 01:30 on the 4th in UTC+2.
	assert.True(t, SameDay(time.Date(2026, 3, 3, 23, 30, 0, 0, time.UTC), ref))
	// Same month and day in another year is a different day.
	assert.False(t, SameDay(time.Date(2025, 3, 4, 12, 0, 0, 0, testLoc), ref))
}

func TestDailyTotals(t *testing.T) {
	t.Parallel()

	meals := sampleMeals()
	got := DailyTotals(meals, at(4, 18, 0))

	assert.Equal(t, Totals{Calories: 950, Protein: 36, Carbs: 60, Fat: 55}, got)
	assert.Equal(t, Totals{Calories: 700, Protein: 25, Carbs: 90, Fat: 20}, DailyTotals(meals, at(3, 1, 0)))
	assert.Equal(t, Totals{}, DailyTotals(nil, at(4, 1, 0)))
}

func TestDailyTotals_MalformedQuantitiesCountAsZero(t *testing.T) {
	t.Parallel()

	meals := []*models.MealRecord{
		meal("ok", 100, 1, 1, 1, models.Lunch, at(4, 12, 0)),
		meal("nan", math.NaN(), -3, math.Inf(1), 2, models.Lunch, at(4, 13, 0)),
		nil,
	}

	assert.Equal(t, Totals{Calories: 100, Protein: 1, Carbs: 1, Fat: 3}, DailyTotals(meals, at(4, 0, 0)))
}

func TestDailyTotals_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	meals := sampleMeals()
	before := make([]models.MealRecord, len(meals))
	for i, m := range meals {
		before[i] = *m
	}

	_ = DailyTotals(meals, at(4, 12, 0))
	_ = GroupBySlot(meals, at(4, 12, 0))
	_ = Weekly(meals, at(4, 12, 0))

	for i, m := range meals {
		assert.Equal(t, before[i], *m)
	}
}

func TestRemaining(t *testing.T) {
	t.Parallel()

	tests := []struct {
		goal, eaten, want float64
	}{
		{goal: 2200, eaten: 0, want: 2200},
		{goal: 2200, eaten: 950, want: 1250},
		{goal: 2200, eaten: 2200, want: 0},
		{goal: 2200, eaten: 3100, want: 0},
		{goal: 0, eaten: 0, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Remaining(tt.goal, tt.eaten), "goal=%v eaten=%v", tt.goal, tt.eaten)
	}

	assert.False(t, OverGoal(2200, 2200))
	assert.True(t, OverGoal(2200, 2200.5))
}

func TestMacroPercent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.5, MacroPercent(125, 250))
	assert.Equal(t, 1.0, MacroPercent(150, 150))
	assert.Equal(t, 1.0, MacroPercent(400, 80))
	assert.Equal(t, 0.0, MacroPercent(0, 80))
	assert.Equal(t, 0.0, MacroPercent(-10, 80))
	assert.Equal(t, 0.0, MacroPercent(10, 0))
}

func TestGroupBySlot(t *testing.T) {
	t.Parallel()

	meals := sampleMeals()
	groups := GroupBySlot(meals, at(4, 9, 0))

	require.Len(t, groups, 4)
	order := []models.MealSlot{models.Breakfast, models.Lunch, models.Dinner, models.Snack}
	names := map[models.MealSlot][]string{}
	total := 0
	for i, g := range groups {
		assert.Equal(t, order[i], g.Slot)
		for _, m := range g.Meals {
			names[g.Slot] = append(names[g.Slot], m.Name)
		}
		total += len(g.Meals)
	}

	assert.Equal(t, len(OnDay(meals, at(4, 9, 0))), total)
	assert.Equal(t, []string{"eggs"}, names[models.Breakfast])
	assert.Equal(t, []string{"salad"}, names[models.Lunch])
	assert.Empty(t, names[models.Dinner])
	assert.Equal(t, []string{"cookie", "mystery"}, names[models.Snack])
	assert.Equal(t, 200.0, groups[3].Calories)
	assert.NotNil(t, groups[2].Meals, "empty groups are empty slices, not nil")
}

func TestWeekly(t *testing.T) {
	t.Parallel()

	meals := sampleMeals()
	ref := at(4, 21, 0)
	week := Weekly(meals, ref)

	require.Len(t, week, WeekDays)

	labels := make([]string, 0, len(week))
	for i, d := range week {
		labels = append(labels, d.Label)
		assert.Equal(t, i == len(week)-1, d.IsToday, "entry %d", i)
		if i > 0 {
			assert.True(t, week[i-1].Date.Before(d.Date), "entries must be oldest first")
		}
	}
	assert.Equal(t, []string{"Thu", "Fri", "Sat", "Sun", "Mon", "Tue", "Wed"}, labels)

	assert.Equal(t, time.Date(2026, 2, 26, 0, 0, 0, 0, testLoc), week[0].Date)
	assert.Equal(t, 700.0, week[5].Calories)
	assert.Equal(t, DailyTotals(meals, ref).Calories, week[6].Calories)
	for _, d := range week {
		assert.NotEqual(t, 999.0, d.Calories, "Feb 25 is outside the window")
	}
}

func TestWeekly_CrossesDSTBoundary(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// Clocks go forward on 2026-03-29 in Berlin.
	ref := time.Date(2026, 3, 31, 0, 30, 0, 0, loc)
	meals := []*models.MealRecord{
		meal("sunday", 400, 0, 0, 0, models.Lunch, time.Date(2026, 3, 29, 23, 45, 0, 0, loc)),
	}

	week := Weekly(meals, ref)
	require.Len(t, week, WeekDays)
	for i, d := range week {
		assert.Equal(t, 0, d.Date.Hour(), "entry %d starts at midnight", i)
	}
	assert.Equal(t, 25, week[0].Date.Day())
	assert.Equal(t, 400.0, week[4].Calories)
}

func TestDefaultSlot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		hour int
		want models.MealSlot
	}{
		{0, models.Breakfast},
		{10, models.Breakfast},
		{11, models.Lunch},
		{14, models.Lunch},
		{15, models.Snack},
		{17, models.Snack},
		{18, models.Dinner},
		{23, models.Dinner},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultSlot(at(4, tt.hour, 59)), "hour %d", tt.hour)
	}
	assert.Equal(t, models.Lunch, DefaultSlot(at(4, 11, 0)))
	assert.Equal(t, models.Breakfast, DefaultSlot(at(4, 10, 59)))
}
