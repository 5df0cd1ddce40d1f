package config

import "time"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Inference InferenceConfig `yaml:"inference"`
	Image     ImageConfig     `yaml:"image"`
	Goals     GoalsConfig     `yaml:"goals"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"SERVER_HOST"             env-default:"127.0.0.1"`
	Port            int           `yaml:"port"             env:"SERVER_PORT"             env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"SERVER_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
	// MaxBodyBytes bounds tool requests; photos arrive base64 encoded inside them.
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES" env-default:"20971520"`
	// BaseURL is how MCP clients reach this server. Empty means http://host:port.
	BaseURL string `yaml:"base_url" env:"SERVER_BASE_URL"`
}

// StorageConfig holds the local meal store location.
type StorageConfig struct {
	DBPath string `yaml:"db_path" env:"STORAGE_DB_PATH" env-default:"./data/calorie-log.db"`
}

// InferenceConfig holds the photo estimation service settings.
type InferenceConfig struct {
	Endpoint string        `yaml:"endpoint" env:"INFERENCE_ENDPOINT" env-default:"https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent"`
	APIKey   string        `yaml:"api_key"  env:"INFERENCE_API_KEY"`
	Timeout  time.Duration `yaml:"timeout"  env:"INFERENCE_TIMEOUT"  env-default:"30s"`
}

// ImageConfig controls photo normalization before upload.
type ImageConfig struct {
	MaxWidth int     `yaml:"max_width" env:"IMAGE_MAX_WIDTH" env-default:"800"`
	Quality  float64 `yaml:"quality"   env:"IMAGE_QUALITY"   env-default:"0.7"`
	// MaxPixels rejects photos whose declared size would not fit in memory.
	MaxPixels int `yaml:"max_pixels" env:"IMAGE_MAX_PIXELS" env-default:"50000000"`
}

// GoalsConfig holds defaults and fixed macro targets in grams.
type GoalsConfig struct {
	DailyCalorieGoal float64 `yaml:"daily_calorie_goal" env:"GOALS_DAILY_CALORIE_GOAL" env-default:"2200"`
	WeightKg         float64 `yaml:"weight_kg"          env:"GOALS_WEIGHT_KG"          env-default:"70"`
	CarbsTarget      float64 `yaml:"carbs_target"       env:"GOALS_CARBS_TARGET"       env-default:"250"`
	ProteinTarget    float64 `yaml:"protein_target"     env:"GOALS_PROTEIN_TARGET"     env-default:"150"`
	FatTarget        float64 `yaml:"fat_target"         env:"GOALS_FAT_TARGET"         env-default:"80"`
}

// TrackerConfig holds per-process tracker settings.
type TrackerConfig struct {
	// DefaultUser is used when a request carries no user_id.
	DefaultUser string `yaml:"default_user" env:"TRACKER_DEFAULT_USER" env-default:"default"`
	// Timezone decides what "today" means. Empty or "Local" uses the host zone.
	Timezone string `yaml:"timezone" env:"TRACKER_TIMEZONE" env-default:"Local"`
	// DraftTTL drops drafts nobody touched for this long.
	DraftTTL  time.Duration `yaml:"draft_ttl"  env:"TRACKER_DRAFT_TTL"  env-default:"24h"`
	MaxDrafts int           `yaml:"max_drafts" env:"TRACKER_MAX_DRAFTS" env-default:"20"`
}

// Location resolves Timezone. Validate rejects unknown zones, so the
// time.Local fallback only applies to unvalidated configs.
func (t TrackerConfig) Location() *time.Location {
	loc, err := LoadLocation(t.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Dir   string `yaml:"dir"   env:"LOG_DIR"`
	File  string `yaml:"file"  env:"LOG_FILE"  env-default:"calorie-log.log"`
}
