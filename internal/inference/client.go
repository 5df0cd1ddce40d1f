// internal/inference/client.go
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"

	"mcp-calorie-log/internal/models"
)

const (
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent"
	DefaultTimeout  = 30 * time.Second

	// Instruction is sent verbatim with every photo.
	Instruction = "Analyze this food image. Identify the food item. Estimate the calories, protein(g), carbs(g), and fat(g). " +
		"Return ONLY raw JSON (no markdown) with keys: food_name, calories, protein, carbs, fat."

	maxResponseBytes = 1 << 20
)

type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client asks a generateContent-style vision endpoint for a nutrition estimate.
// One call is one request: there are no retries and nothing is cached.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	timeout    time.Duration
	log        *log.Logger
}

func NewClient(cfg Config, logger *log.Logger) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		httpClient: &http.Client{},
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		log:        logger.With("component", "inference"),
	}
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Estimate sends one photo payload (base64 JPEG) and parses the reply.
func (c *Client) Estimate(ctx context.Context, payload string) (*models.NutritionEstimate, error) {
	if c.apiKey == "" {
		return nil, models.NewInferenceError("set inference.api_key (INFERENCE_API_KEY) to enable photo scans", models.ErrMissingCredential)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := c.generate(ctx, payload)
	if err != nil {
		return nil, err
	}

	est, err := ParseEstimate(text)
	if err != nil {
		c.log.Warn("unparseable estimate", "error", err, "text_len", len(text))
		return nil, err
	}

	c.log.Debug("estimate received", "food", est.FoodName, "calories", est.Calories)
	return est, nil
}

func (c *Client) generate(ctx context.Context, payload string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: Instruction},
				{InlineData: &inlineData{MimeType: "image/jpeg", Data: payload}},
			},
		}},
	})
	if err != nil {
		return "", models.NewInferenceError("failed to marshal request", err)
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", models.NewInferenceError("invalid endpoint", err)
	}
	q := u.Query()
	q.Set("key", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", models.NewInferenceError("failed to create HTTP request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.log.Warn("inference timed out", "after", time.Since(start).Round(time.Millisecond))
			return "", models.NewInferenceError("timeout", err)
		}
		// The URL carries the credential, so only the cause is kept.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return "", models.NewInferenceError("request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", models.NewInferenceError("timeout", err)
		}
		return "", models.NewInferenceError("failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Error("inference service rejected request", "status", resp.StatusCode, "body_len", len(raw))
		return "", models.NewInferenceError(fmt.Sprintf("service unavailable (status %d)", resp.StatusCode), nil)
	}

	var gen generateResponse
	if err := json.Unmarshal(raw, &gen); err != nil {
		return "", models.NewInferenceError("malformed response", err)
	}

	if len(gen.Candidates) == 0 || len(gen.Candidates[0].Content.Parts) == 0 || gen.Candidates[0].Content.Parts[0].Text == "" {
		return "", models.NewInferenceError("no identification", nil)
	}

	return gen.Candidates[0].Content.Parts[0].Text, nil
}
