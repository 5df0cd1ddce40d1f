package inference

import (
	"encoding/json"
	"strings"

	"mcp-calorie-log/internal/models"
)

// StripFences removes markdown code fences the model sometimes adds despite the instruction.
func StripFences(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

// ParseEstimate turns the model's text into an estimate.
// Malformed JSON is an error; individual bad fields are coerced to zero.
func ParseEstimate(text string) (*models.NutritionEstimate, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(StripFences(text)), &fields); err != nil {
		return nil, models.NewInferenceError("malformed response", err)
	}
	if fields == nil {
		return nil, models.NewInferenceError("malformed response", nil)
	}

	name, _ := fields["food_name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		name = models.UnknownFood
	}

	return &models.NutritionEstimate{
		FoodName: name,
		Calories: models.CoerceQuantity(fields["calories"]),
		Protein:  models.CoerceQuantity(fields["protein"]),
		Carbs:    models.CoerceQuantity(fields["carbs"]),
		Fat:      models.CoerceQuantity(fields["fat"]),
	}, nil
}
