package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"mcp-calorie-log/internal/logger"
)

// Validate performs business-rule validation on the loaded configuration.
// Load calls it automatically.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535 (got %d)", c.Server.Port)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0 (got %d)", c.Server.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Inference.Timeout <= 0 {
		return fmt.Errorf("inference.timeout must be > 0 (got %v)", c.Inference.Timeout)
	}
	if c.Image.MaxWidth <= 0 {
		return fmt.Errorf("image.max_width must be > 0 (got %d)", c.Image.MaxWidth)
	}
	if c.Image.Quality <= 0 || c.Image.Quality > 1 {
		return fmt.Errorf("image.quality must be in (0, 1] (got %v)", c.Image.Quality)
	}
	if c.Image.MaxPixels <= 0 {
		return fmt.Errorf("image.max_pixels must be > 0 (got %d)", c.Image.MaxPixels)
	}
	if c.Server.BaseURL != "" {
		if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.base_url must be an absolute URL (got %q)", c.Server.BaseURL)
		}
	}
	if err := c.Goals.validate(); err != nil {
		return fmt.Errorf("goals: %w", err)
	}
	if strings.TrimSpace(c.Tracker.DefaultUser) == "" {
		return fmt.Errorf("tracker.default_user is required")
	}
	if c.Tracker.DraftTTL <= 0 {
		return fmt.Errorf("tracker.draft_ttl must be > 0 (got %v)", c.Tracker.DraftTTL)
	}
	if c.Tracker.MaxDrafts <= 0 {
		return fmt.Errorf("tracker.max_drafts must be > 0 (got %d)", c.Tracker.MaxDrafts)
	}

	if _, err := LoadLocation(c.Tracker.Timezone); err != nil {
		return fmt.Errorf("tracker.timezone: %w", err)
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

func (g *GoalsConfig) validate() error {
	for name, v := range map[string]float64{
		"daily_calorie_goal": g.DailyCalorieGoal,
		"weight_kg":          g.WeightKg,
		"carbs_target":       g.CarbsTarget,
		"protein_target":     g.ProteinTarget,
		"fat_target":         g.FatTarget,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0 (got %v)", name, v)
		}
	}
	return nil
}

// LoadLocation resolves an IANA zone name. Empty and "Local" mean the host zone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
