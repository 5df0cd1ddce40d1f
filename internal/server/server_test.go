package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/client"
	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/ThinkInAIXYZ/go-mcp/transport"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-calorie-log/internal/aggregate"
	"mcp-calorie-log/internal/imaging"
	"mcp-calorie-log/internal/inference"
	"mcp-calorie-log/internal/models"
	"mcp-calorie-log/internal/storage"
	"mcp-calorie-log/internal/tracker"
)

var testZone = time.FixedZone("UTC+2", 2*60*60)

type testEnv struct {
	srv         *CalorieLogServer
	http        *httptest.Server
	store       *storage.SQLiteStorage
	geminiCalls *int32
}

func newTestEnv(t *testing.T, gemini http.HandlerFunc) *testEnv {
	t.Helper()

	logger := log.New(io.Discard)
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "server.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var calls int32
	geminiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		gemini(w, r)
	}))
	t.Cleanup(geminiSrv.Close)

	trk := tracker.New(tracker.Options{
		Store:      store,
		Feed:       store,
		Normalizer: imaging.NewNormalizer(800, 0.7),
		Estimator:  inference.NewClient(inference.Config{Endpoint: geminiSrv.URL, APIKey: "k", Timeout: 2 * time.Second}, logger),
		Location:   testZone,
		Now:        func() time.Time { return time.Date(2026, 3, 4, 8, 15, 0, 0, testZone) },
		Logger:     logger,
	})

	// The listener exists before the server so MCP clients can be given its address.
	httpSrv := httptest.NewUnstartedServer(nil)
	srv, err := NewCalorieLogServer(&Config{
		BaseURL:      "http://" + httpSrv.Listener.Addr().String(),
		DefaultUser:  "me",
		MaxBodyBytes: 1 << 20,
		Version:      "test",
	}, trk, logger)
	require.NoError(t, err)

	httpSrv.Config.Handler = srv.Handler()
	httpSrv.Start()
	t.Cleanup(httpSrv.Close)
	// Runs before httpSrv.Close: open MCP sessions only end when the server stops.
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	return &testEnv{srv: srv, http: httpSrv, store: store, geminiCalls: &calls}
}

func geminiReply(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{map[string]any{"text": text}}},
			}},
		})
	}
}

func (e *testEnv) call(t *testing.T, tool string, args map[string]any) (int, []byte) {
	t.Helper()

	body, err := json.Marshal(map[string]any{"name": tool, "arguments": args})
	require.NoError(t, err)

	resp, err := http.Post(e.http.URL+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// result calls a tool that must succeed and decodes its text content into v.
func (e *testEnv) result(t *testing.T, tool string, args map[string]any, v any) {
	t.Helper()

	status, body := e.call(t, tool, args)
	require.Equal(t, http.StatusOK, status, "body: %s", body)

	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	require.Len(t, res.Content, 1)
	assert.Equal(t, "text", res.Content[0].Type)
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), v))
}

func testPhoto(t *testing.T, w, h int) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestServer_DraftScanSaveFlow(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Contents []struct {
				Parts []struct {
					InlineData *struct {
						MimeType string `json:"mimeType"`
						Data     string `json:"data"`
					} `json:"inlineData"`
				} `json:"parts"`
			} `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
			return
		}
		raw, err := base64.StdEncoding.DecodeString(req.Contents[0].Parts[1].InlineData.Data)
		if err != nil {
			t.Error(err)
			return
		}
		cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
		if err != nil {
			t.Error(err)
			return
		}
		if format != "jpeg" || cfg.Width != 800 || cfg.Height != 450 {
			t.Errorf("unexpected upload: %s %dx%d", format, cfg.Width, cfg.Height)
		}
		geminiReply("```json\n{\"food_name\":\"Pancakes\",\"calories\":520,\"protein\":\"9\",\"carbs\":80,\"fat\":18}\n```")(w, r)
	})

	var draft tracker.Draft
	env.result(t, "new_draft", nil, &draft)
	assert.Equal(t, "me", draft.UserID)
	assert.Equal(t, models.Breakfast, draft.Meal.Slot)

	var scan tracker.ScanResult
	env.result(t, "scan_photo", map[string]any{
		"draft_id": draft.ID,
		"image":    "data:image/png;base64," + testPhoto(t, 1600, 900),
	}, &scan)
	require.True(t, scan.Applied, "notice: %s reason: %s", scan.Notice, scan.Reason)
	assert.Equal(t, "Pancakes", scan.Draft.Meal.Name)
	assert.Equal(t, "9", scan.Draft.Meal.Protein)

	var updated tracker.Draft
	env.result(t, "update_draft", map[string]any{"draft_id": draft.ID, "calories": 480, "meal_slot": "Snack"}, &updated)
	assert.Equal(t, "480", updated.Meal.Calories)
	assert.Equal(t, models.Snack, updated.Meal.Slot)

	var meal models.MealRecord
	env.result(t, "save_draft", map[string]any{"draft_id": draft.ID}, &meal)
	assert.Equal(t, "Pancakes", meal.Name)
	assert.Equal(t, 480.0, meal.Calories)
	assert.Equal(t, models.Snack, meal.Slot)
	assert.NotEmpty(t, meal.ID)

	status, _ := env.call(t, "save_draft", map[string]any{"draft_id": draft.ID})
	assert.Equal(t, http.StatusNotFound, status, "draft is closed after save")

	var dash aggregate.Dashboard
	env.result(t, "get_dashboard", nil, &dash)
	assert.Equal(t, 480.0, dash.Totals.Calories)
	assert.Equal(t, 2200.0-480.0, dash.Remaining)
	assert.Equal(t, 1, dash.MealCount)
	assert.Equal(t, int32(1), atomic.LoadInt32(env.geminiCalls))
}

func TestServer_ScanFailureKeepsDraftEditable(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	var draft tracker.Draft
	env.result(t, "new_draft", map[string]any{"user_id": "u1"}, &draft)

	var scan tracker.ScanResult
	env.result(t, "scan_photo", map[string]any{"user_id": "u1", "draft_id": draft.ID, "image": testPhoto(t, 40, 30)}, &scan)
	assert.False(t, scan.Applied)
	assert.Equal(t, tracker.ScanFailedNotice, scan.Notice)
	assert.Equal(t, "0", scan.Draft.Meal.Calories)

	// An unreadable photo fails before the estimator is asked.
	env.result(t, "scan_photo", map[string]any{"user_id": "u1", "draft_id": draft.ID, "image": base64.StdEncoding.EncodeToString([]byte("not an image"))}, &scan)
	assert.Equal(t, tracker.ScanFailedNotice, scan.Notice)
	assert.Equal(t, int32(1), atomic.LoadInt32(env.geminiCalls))
}

func TestServer_LogGetDeleteMeals(t *testing.T) {
	env := newTestEnv(t, geminiReply("{}"))

	var first, second models.MealRecord
	env.result(t, "log_meal", map[string]any{"name": "Eggs", "calories": "150", "protein": 12}, &first)
	env.result(t, "log_meal", map[string]any{"name": "Coffee", "calories": 5, "meal_slot": "Breakfast"}, &second)
	assert.Equal(t, models.Breakfast, first.Slot, "slot follows the clock")

	var meals []models.MealRecord
	env.result(t, "get_meals", map[string]any{"date": "2026-03-04"}, &meals)
	assert.Len(t, meals, 2)

	env.result(t, "get_meals", map[string]any{"limit": 1}, &meals)
	assert.Len(t, meals, 1)

	env.result(t, "get_meals", map[string]any{"date": "2026-03-03"}, &meals)
	assert.Empty(t, meals)

	var deleted map[string]string
	env.result(t, "delete_meal", map[string]any{"meal_id": first.ID}, &deleted)
	assert.Equal(t, first.ID, deleted["deleted"])

	status, _ := env.call(t, "delete_meal", map[string]any{"meal_id": first.ID})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.call(t, "delete_meal", map[string]any{"user_id": "someone-else", "meal_id": second.ID})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_ProfileAndWater(t *testing.T) {
	env := newTestEnv(t, geminiReply("{}"))

	var water map[string]int
	env.result(t, "add_water", nil, &water)
	env.result(t, "add_water", nil, &water)
	assert.Equal(t, 2, water["water_cups"])

	var profile models.ProfileSettings
	env.result(t, "update_profile", map[string]any{"daily_calorie_goal": "1800", "weight_kg": 65.5}, &profile)
	assert.Equal(t, 1800.0, profile.DailyCalorieGoal)
	assert.Equal(t, 65.5, profile.WeightKg)
	assert.Equal(t, 2, profile.WaterCups)

	status, body := env.call(t, "update_profile", map[string]any{"daily_calorie_goal": 0, "weight_kg": "heavy"})
	assert.Equal(t, http.StatusBadRequest, status)

	var errBody errorBody
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Len(t, errBody.Fields, 2)

	env.result(t, "update_profile", map[string]any{}, &profile)
	assert.Equal(t, 1800.0, profile.DailyCalorieGoal, "rejected update wrote nothing")
}

func TestServer_Errors(t *testing.T) {
	env := newTestEnv(t, geminiReply("{}"))

	tests := []struct {
		name   string
		tool   string
		args   map[string]any
		status int
	}{
		{"unknown tool", "calculate_carbs", nil, http.StatusNotFound},
		{"empty name", "log_meal", map[string]any{"calories": 100}, http.StatusBadRequest},
		{"negative calories", "log_meal", map[string]any{"name": "x", "calories": -1}, http.StatusBadRequest},
		{"text calories", "log_meal", map[string]any{"name": "x", "calories": "lots"}, http.StatusBadRequest},
		{"bad argument type", "log_meal", map[string]any{"name": "x", "calories": []int{1}}, http.StatusBadRequest},
		{"missing draft id", "save_draft", nil, http.StatusBadRequest},
		{"unknown draft", "update_draft", map[string]any{"draft_id": "nope"}, http.StatusNotFound},
		{"bad base64", "scan_photo", map[string]any{"draft_id": "nope", "image": "%%%"}, http.StatusBadRequest},
		{"bad date", "get_meals", map[string]any{"date": "04/03/2026"}, http.StatusBadRequest},
		{"missing meal id", "delete_meal", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.call(t, tt.tool, tt.args)
			assert.Equal(t, tt.status, status, "body: %s", body)
		})
	}

	resp, err := http.Post(env.http.URL+"/", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(env.http.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, geminiReply("{}"))

	resp, err := http.Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "calorie-log", body["name"])
	assert.Equal(t, "test", body["version"])
}

func toolText(t *testing.T, res *protocol.CallToolResult) string {
	t.Helper()

	require.Len(t, res.Content, 1)
	switch c := res.Content[0].(type) {
	case protocol.TextContent:
		return c.Text
	case *protocol.TextContent:
		return c.Text
	default:
		t.Fatalf("unexpected content %T", c)
		return ""
	}
}

func TestServer_MCPSession(t *testing.T) {
	env := newTestEnv(t, geminiReply("{}"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ct, err := transport.NewSSEClientTransport(env.http.URL + mcpSSEPath)
	require.NoError(t, err)
	cli, err := client.NewClient(ct,
		client.WithClientInfo(protocol.Implementation{Name: "calorie-log-test", Version: "1"}),
		client.WithInitTimeout(3*time.Second),
	)
	require.NoError(t, err)
	defer cli.Close()

	assert.Equal(t, "calorie-log", cli.GetServerInfo().Name)
	assert.Equal(t, "test", cli.GetServerInfo().Version)

	list, err := cli.ListTools(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(list.Tools))
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
		assert.Equal(t, protocol.Object, tool.InputSchema.Type, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"new_draft", "update_draft", "scan_photo", "save_draft", "discard_draft",
		"log_meal", "delete_meal", "get_meals", "get_dashboard", "add_water", "update_profile",
	}, names)

	res, err := cli.CallTool(ctx, &protocol.CallToolRequest{Name: "add_water", Arguments: map[string]interface{}{}})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"water_cups": 1}`, toolText(t, res))

	res, err = cli.CallTool(ctx, &protocol.CallToolRequest{Name: "save_draft", Arguments: map[string]interface{}{"draft_id": "nope"}})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, toolText(t, res), "not found")

	// The plain route sees what the session wrote.
	var p models.ProfileSettings
	env.result(t, "update_profile", map[string]any{}, &p)
	assert.Equal(t, 1, p.WaterCups)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.NewValidationError("name", "required"), http.StatusBadRequest},
		{fmt.Errorf("draft d1: %w", models.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("draft d1 is being saved: %w", models.ErrConflict), http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestServer_EventsStreamDashboards(t *testing.T) {
	env := newTestEnv(t, geminiReply("{}"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/events?user_id=u1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan aggregate.Dashboard, 4)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var d aggregate.Dashboard
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &d); err != nil {
				t.Error(err)
				return
			}
			events <- d
		}
	}()

	next := func() aggregate.Dashboard {
		t.Helper()
		select {
		case d := <-events:
			return d
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return aggregate.Dashboard{}
		}
	}

	assert.Equal(t, 0.0, next().Totals.Calories)

	var meal models.MealRecord
	env.result(t, "log_meal", map[string]any{"user_id": "u1", "name": "Salad", "calories": 320}, &meal)
	d := next()
	assert.Equal(t, 320.0, d.Totals.Calories)
	assert.Equal(t, 320.0, d.Weekly[6].Calories)
}

func TestServer_StopEndsEventStreams(t *testing.T) {
	env := newTestEnv(t, geminiReply("{}"))

	resp, err := http.Get(env.http.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Stop(ctx))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream still open after Stop")
	}
}

func TestFlexValue(t *testing.T) {
	var v struct {
		A *flexValue `json:"a"`
		B *flexValue `json:"b"`
		C *flexValue `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 12.5, "b": " 7 "}`), &v))
	assert.Equal(t, "12.5", string(*v.A))
	assert.Equal(t, " 7 ", string(*v.B))
	assert.Nil(t, v.C)

	assert.Error(t, json.Unmarshal([]byte(`{"a": true}`), &v))
}

func TestDecodeImage(t *testing.T) {
	raw, err := decodeImage("data:image/jpeg;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))

	_, err = decodeImage("   ")
	assert.ErrorIs(t, err, models.ErrValidation)
}
