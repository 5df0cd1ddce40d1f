package models

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// DraftMeal is an unsaved entry. Quantities stay as typed text until save.
type DraftMeal struct {
	Name     string   `json:"name"`
	Calories string   `json:"calories"`
	Protein  string   `json:"protein"`
	Carbs    string   `json:"carbs"`
	Fat      string   `json:"fat"`
	Slot     MealSlot `json:"meal_slot"`
}

// ToRecord validates the draft and coerces it into a MealRecord.
// Blank quantities count as zero; anything unparsable or negative is rejected.
func (d DraftMeal) ToRecord(id, userID string, createdAt time.Time) (*MealRecord, error) {
	var errs []FieldError

	name := strings.TrimSpace(d.Name)
	if name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "required"})
	}

	quantity := func(field, raw string) float64 {
		v, err := ParseQuantity(raw)
		if err != nil {
			errs = append(errs, FieldError{Field: field, Message: err.Error()})
		}
		return v
	}

	rec := &MealRecord{
		ID:        id,
		UserID:    userID,
		Name:      name,
		Calories:  quantity("calories", d.Calories),
		Protein:   quantity("protein", d.Protein),
		Carbs:     quantity("carbs", d.Carbs),
		Fat:       quantity("fat", d.Fat),
		Slot:      d.Slot.OrSnack(),
		CreatedAt: createdAt,
	}

	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return rec, nil
}

// ApplyEstimate copies an inference result into the draft, keeping the slot.
func (d *DraftMeal) ApplyEstimate(est NutritionEstimate) {
	d.Name = est.FoodName
	if d.Name == "" {
		d.Name = UnknownFood
	}
	d.Calories = FormatQuantity(est.Calories)
	d.Protein = FormatQuantity(est.Protein)
	d.Carbs = FormatQuantity(est.Carbs)
	d.Fat = FormatQuantity(est.Fat)
}

// ZeroBlank sets empty quantity fields to "0" so a failed scan leaves an editable draft.
func (d *DraftMeal) ZeroBlank() {
	for _, f := range []*string{&d.Calories, &d.Protein, &d.Carbs, &d.Fat} {
		if strings.TrimSpace(*f) == "" {
			*f = "0"
		}
	}
}

const UnknownFood = "Unknown"

type quantityError string

func (e quantityError) Error() string { return string(e) }

const (
	errNotANumber = quantityError("must be a number")
	errNegative   = quantityError("must not be negative")
)

// ParseQuantity parses user-typed quantity text. Blank input is zero.
func ParseQuantity(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errNotANumber
	}
	if v < 0 {
		return 0, errNegative
	}
	return v, nil
}

// FormatQuantity renders a quantity the way a user would type it.
func FormatQuantity(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// CoerceQuantity turns a loosely typed JSON value into a non-negative number.
// Anything that is not a usable number becomes 0.
func CoerceQuantity(v any) float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

// Quantity returns v when it is usable in a sum and 0 otherwise.
func Quantity(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
