// internal/server/tools.go
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"

	"mcp-calorie-log/internal/models"
	"mcp-calorie-log/internal/tracker"
)

// flexValue accepts a JSON string or number and keeps it as text.
type flexValue string

func (f *flexValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected a number or string, got %s", data)
	}
	*f = flexValue(n.String())
	return nil
}

func (f *flexValue) ptr() *string {
	if f == nil {
		return nil
	}
	s := string(*f)
	return &s
}

type UserParams struct {
	UserID string `json:"user_id,omitempty" description:"User whose data is read or changed (defaults to the configured user)"`
}

type DraftParams struct {
	UserParams
	DraftID string `json:"draft_id" description:"Draft returned by new_draft"`
}

type MealFields struct {
	Name     *string          `json:"name,omitempty" description:"Food name"`
	Calories *flexValue       `json:"calories,omitempty" description:"Energy in kcal"`
	Protein  *flexValue       `json:"protein,omitempty" description:"Protein in grams"`
	Carbs    *flexValue       `json:"carbs,omitempty" description:"Carbohydrates in grams"`
	Fat      *flexValue       `json:"fat,omitempty" description:"Fat in grams"`
	Slot     *models.MealSlot `json:"meal_slot,omitempty" description:"Breakfast, Lunch, Dinner or Snack"`
}

type UpdateDraftParams struct {
	DraftParams
	MealFields
}

type ScanPhotoParams struct {
	DraftParams
	Image string `json:"image" description:"Photo bytes, base64 encoded, optionally as a data URI"`
}

type LogMealParams struct {
	UserParams
	MealFields
}

type DeleteMealParams struct {
	UserParams
	MealID string `json:"meal_id" description:"Meal to remove"`
}

type GetMealsParams struct {
	UserParams
	Date  string `json:"date,omitempty" description:"Only meals on this day (YYYY-MM-DD)"`
	Limit int    `json:"limit,omitempty" description:"Maximum number of meals to return"`
}

type UpdateProfileParams struct {
	UserParams
	DailyCalorieGoal *flexValue `json:"daily_calorie_goal,omitempty" description:"Daily calorie goal in kcal"`
	WeightKg         *flexValue `json:"weight_kg,omitempty" description:"Body weight in kg"`
}

// extractParams safely extracts parameters from the request arguments
func extractParams(req *protocol.CallToolRequest, target interface{}) error {
	jsonBytes, err := json.Marshal(req.Arguments)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, target); err != nil {
		return models.NewValidationError("arguments", err.Error())
	}

	return nil
}

func requireID(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return models.NewValidationError(field, "required")
	}
	return nil
}

func (f MealFields) patch() tracker.DraftPatch {
	return tracker.DraftPatch{
		Name:     f.Name,
		Calories: f.Calories.ptr(),
		Protein:  f.Protein.ptr(),
		Carbs:    f.Carbs.ptr(),
		Fat:      f.Fat.ptr(),
		Slot:     f.Slot,
	}
}

func (f MealFields) draft() models.DraftMeal {
	var d models.DraftMeal
	f.patch().Apply(&d)
	return d
}

func (s *CalorieLogServer) handleNewDraft(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params UserParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	return s.createJSONResponse(s.tracker.NewDraft(s.userID(params.UserID)))
}

func (s *CalorieLogServer) handleUpdateDraft(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params UpdateDraftParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireID("draft_id", params.DraftID); err != nil {
		return nil, err
	}

	d, err := s.tracker.UpdateDraft(s.userID(params.UserID), params.DraftID, params.MealFields.patch())
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(d)
}

func (s *CalorieLogServer) handleScanPhoto(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params ScanPhotoParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireID("draft_id", params.DraftID); err != nil {
		return nil, err
	}

	raw, err := decodeImage(params.Image)
	if err != nil {
		return nil, err
	}

	res, err := s.tracker.ScanPhoto(ctx, s.userID(params.UserID), params.DraftID, raw)
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(res)
}

// decodeImage accepts plain base64 or a data URI.
func decodeImage(image string) ([]byte, error) {
	image = strings.TrimSpace(image)
	if strings.HasPrefix(image, "data:") {
		if i := strings.Index(image, ","); i >= 0 {
			image = image[i+1:]
		}
	}
	if image == "" {
		return nil, models.NewValidationError("image", "required")
	}

	raw, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return nil, models.NewValidationError("image", "must be base64 encoded")
	}
	return raw, nil
}

func (s *CalorieLogServer) handleSaveDraft(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params DraftParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireID("draft_id", params.DraftID); err != nil {
		return nil, err
	}

	meal, err := s.tracker.SaveDraft(ctx, s.userID(params.UserID), params.DraftID)
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(meal)
}

func (s *CalorieLogServer) handleDiscardDraft(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params DraftParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireID("draft_id", params.DraftID); err != nil {
		return nil, err
	}

	if err := s.tracker.DiscardDraft(s.userID(params.UserID), params.DraftID); err != nil {
		return nil, err
	}
	return s.createJSONResponse(map[string]interface{}{"discarded": params.DraftID})
}

func (s *CalorieLogServer) handleLogMeal(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params LogMealParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}

	meal, err := s.tracker.LogMeal(ctx, s.userID(params.UserID), params.MealFields.draft())
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(meal)
}

func (s *CalorieLogServer) handleDeleteMeal(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params DeleteMealParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if err := requireID("meal_id", params.MealID); err != nil {
		return nil, err
	}

	if err := s.tracker.DeleteMeal(ctx, s.userID(params.UserID), params.MealID); err != nil {
		return nil, err
	}
	return s.createJSONResponse(map[string]interface{}{"deleted": params.MealID})
}

func (s *CalorieLogServer) handleGetMeals(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params GetMealsParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if params.Limit < 0 {
		return nil, models.NewValidationError("limit", "must not be negative")
	}

	var day time.Time
	if params.Date != "" {
		var err error
		day, err = time.ParseInLocation("2006-01-02", params.Date, s.tracker.Location())
		if err != nil {
			return nil, models.NewValidationError("date", "must be YYYY-MM-DD")
		}
	}

	meals, err := s.tracker.Meals(ctx, s.userID(params.UserID), day)
	if err != nil {
		return nil, err
	}
	if params.Limit > 0 && len(meals) > params.Limit {
		meals = meals[:params.Limit]
	}
	return s.createJSONResponse(meals)
}

func (s *CalorieLogServer) handleGetDashboard(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params UserParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}

	dash, err := s.tracker.Dashboard(ctx, s.userID(params.UserID))
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(dash)
}

func (s *CalorieLogServer) handleAddWater(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params UserParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}

	cups, err := s.tracker.AddWater(ctx, s.userID(params.UserID))
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(map[string]interface{}{"water_cups": cups})
}

func (s *CalorieLogServer) handleUpdateProfile(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params UpdateProfileParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}

	var (
		patch models.ProfilePatch
		errs  []models.FieldError
	)
	if params.DailyCalorieGoal != nil {
		v, err := positive(string(*params.DailyCalorieGoal))
		if err != nil {
			errs = append(errs, models.FieldError{Field: "daily_calorie_goal", Message: err.Error()})
		}
		patch.DailyCalorieGoal = &v
	}
	if params.WeightKg != nil {
		v, err := positive(string(*params.WeightKg))
		if err != nil {
			errs = append(errs, models.FieldError{Field: "weight_kg", Message: err.Error()})
		}
		patch.WeightKg = &v
	}
	if len(errs) > 0 {
		return nil, &models.ValidationError{Errors: errs}
	}

	userID := s.userID(params.UserID)
	if err := s.tracker.UpdateProfile(ctx, userID, patch); err != nil {
		return nil, err
	}

	profile, err := s.tracker.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.createJSONResponse(profile)
}

func positive(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("must be a positive number")
	}
	return v, nil
}

type toolDef struct {
	tool    *protocol.Tool
	handler toolHandler
}

func schema(required []string, props map[string]interface{}) protocol.InputSchema {
	return protocol.InputSchema{Type: protocol.Object, Properties: props, Required: required}
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

// numberProp accepts JSON numbers and numeric strings, as flexValue does.
func numberProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": []string{"number", "string"}, "description": description}
}

func mealProps(extra map[string]interface{}) map[string]interface{} {
	props := map[string]interface{}{
		"user_id":   stringProp("User whose data is read or changed (defaults to the configured user)"),
		"name":      stringProp("Food name"),
		"calories":  numberProp("Energy in kcal"),
		"protein":   numberProp("Protein in grams"),
		"carbs":     numberProp("Carbohydrates in grams"),
		"fat":       numberProp("Fat in grams"),
		"meal_slot": map[string]interface{}{"type": "string", "enum": []string{"Breakfast", "Lunch", "Dinner", "Snack"}},
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}

func (s *CalorieLogServer) toolDefs() []toolDef {
	user := map[string]interface{}{"user_id": stringProp("User whose data is read or changed (defaults to the configured user)")}
	withUser := func(props map[string]interface{}) map[string]interface{} {
		for k, v := range user {
			props[k] = v
		}
		return props
	}
	draftID := func() map[string]interface{} {
		return withUser(map[string]interface{}{"draft_id": stringProp("Draft returned by new_draft")})
	}

	return []toolDef{
		{&protocol.Tool{Name: "new_draft", Description: "Open an empty meal draft with a slot picked from the time of day", InputSchema: schema(nil, withUser(map[string]interface{}{}))}, s.handleNewDraft},
		{&protocol.Tool{Name: "update_draft", Description: "Edit fields of an open draft", InputSchema: schema([]string{"draft_id"}, mealProps(map[string]interface{}{"draft_id": stringProp("Draft returned by new_draft")}))}, s.handleUpdateDraft},
		{&protocol.Tool{Name: "scan_photo", Description: "Estimate nutrition from a food photo and fill the draft", InputSchema: schema([]string{"draft_id", "image"}, withUser(map[string]interface{}{
			"draft_id": stringProp("Draft returned by new_draft"),
			"image":    stringProp("Photo bytes, base64 encoded, optionally as a data URI"),
		}))}, s.handleScanPhoto},
		{&protocol.Tool{Name: "save_draft", Description: "Validate the draft and store it as a meal", InputSchema: schema([]string{"draft_id"}, draftID())}, s.handleSaveDraft},
		{&protocol.Tool{Name: "discard_draft", Description: "Drop a draft without saving", InputSchema: schema([]string{"draft_id"}, draftID())}, s.handleDiscardDraft},
		{&protocol.Tool{Name: "log_meal", Description: "Store a complete meal in one step", InputSchema: schema([]string{"name"}, mealProps(nil))}, s.handleLogMeal},
		{&protocol.Tool{Name: "delete_meal", Description: "Remove a stored meal", InputSchema: schema([]string{"meal_id"}, withUser(map[string]interface{}{"meal_id": stringProp("Meal to remove")}))}, s.handleDeleteMeal},
		{&protocol.Tool{Name: "get_meals", Description: "List stored meals, newest first", InputSchema: schema(nil, withUser(map[string]interface{}{
			"date":  stringProp("Only meals on this day (YYYY-MM-DD)"),
			"limit": map[string]interface{}{"type": "integer", "description": "Maximum number of meals to return"},
		}))}, s.handleGetMeals},
		{&protocol.Tool{Name: "get_dashboard", Description: "Today's totals, remaining calories, macro bars, slot groups and the last seven days", InputSchema: schema(nil, withUser(map[string]interface{}{}))}, s.handleGetDashboard},
		{&protocol.Tool{Name: "add_water", Description: "Count one more cup of water for today", InputSchema: schema(nil, withUser(map[string]interface{}{}))}, s.handleAddWater},
		{&protocol.Tool{Name: "update_profile", Description: "Set the daily calorie goal or body weight", InputSchema: schema(nil, withUser(map[string]interface{}{
			"daily_calorie_goal": numberProp("Daily calorie goal in kcal"),
			"weight_kg":          numberProp("Body weight in kg"),
		}))}, s.handleUpdateProfile},
	}
}

// registerTools wires every tool into the MCP server and returns the same set
// for the plain JSON route.
func (s *CalorieLogServer) registerTools() map[string]toolHandler {
	tools := make(map[string]toolHandler)
	for _, def := range s.toolDefs() {
		tools[def.tool.Name] = def.handler
		s.server.RegisterTool(def.tool, s.mcpHandler(def.tool.Name, def.handler))
		s.log.Debug("registered tool", "name", def.tool.Name)
	}
	return tools
}
