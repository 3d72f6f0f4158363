package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all service settings, sourced from environment variables with
// an optional YAML file for the tunables that rarely change per deployment.
type Config struct {
	HTTPPort           string
	DBPath             string
	NightscoutURL      string
	NightscoutToken    string
	NightscoutSecret   string
	NotesDir           string
	NotesFolder        string
	PollIntervalSec    int
	WorkerCount        int
	QueueSize          int
	AnalysisTimeoutSec int
	BackfillLimit      int
	EnableWatcher      bool
	StrictConfig       bool
	Environment        string
	PushURL            string
	ConfigPath         string
	Engine             EngineConfig
	LLM                LLMConfig
}

// EngineConfig captures the windowing and scheduling tunables.
type EngineConfig struct {
	MinLookaheadMin       int
	MaxLookaheadMin       int
	ReanalysisCooldownMin int
	TargetLow             float64
	TargetHigh            float64
}

// MinLookahead is the guaranteed trailing coverage of every event window.
func (e EngineConfig) MinLookahead() time.Duration {
	return time.Duration(e.MinLookaheadMin) * time.Minute
}

// MaxLookahead caps the window of an event with no successor.
func (e EngineConfig) MaxLookahead() time.Duration {
	return time.Duration(e.MaxLookaheadMin) * time.Minute
}

// ReanalysisCooldown is the minimum gap between re-analyses of one event.
func (e EngineConfig) ReanalysisCooldown() time.Duration {
	return time.Duration(e.ReanalysisCooldownMin) * time.Minute
}

// LLMConfig captures the analysis model settings.
type LLMConfig struct {
	Enabled       bool
	Model         string
	BaseURL       string
	APIKey        string
	PromptVersion string
}

type fileConfig struct {
	HTTPPort    string           `yaml:"http_port"`
	DBPath      string           `yaml:"db_path"`
	NotesDir    string           `yaml:"notes_dir"`
	NotesFolder string           `yaml:"notes_folder"`
	Engine      engineFileConfig `yaml:"engine"`
	LLM         llmFileConfig    `yaml:"llm"`
}

type engineFileConfig struct {
	MinLookaheadMin       *int     `yaml:"min_lookahead_min"`
	MaxLookaheadMin       *int     `yaml:"max_lookahead_min"`
	ReanalysisCooldownMin *int     `yaml:"reanalysis_cooldown_min"`
	TargetLow             *float64 `yaml:"target_low"`
	TargetHigh            *float64 `yaml:"target_high"`
}

type llmFileConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	Model         string `yaml:"model"`
	BaseURL       string `yaml:"base_url"`
	PromptVersion string `yaml:"prompt_version"`
}

const (
	defaultPort            = ":8080"
	defaultDBFile          = "glucose.db"
	defaultNotesDir        = "runtime/notes"
	defaultNotesFolder     = "Glucose"
	defaultPollIntervalSec = 300
	defaultWorkerCount     = 4
	minQueueSize           = 8
	defaultQueueSize       = 128
	maxQueueSize           = 1024
	defaultTimeoutSec      = 60
	defaultBackfillLimit   = 25
	maxBackfillLimit       = 100
)

func defaultEngineConfig() EngineConfig {
	return EngineConfig{
		MinLookaheadMin:       180,
		MaxLookaheadMin:       240,
		ReanalysisCooldownMin: 30,
		TargetLow:             70,
		TargetHigh:            180,
	}
}

func defaultLLMConfig() LLMConfig {
	return LLMConfig{
		Enabled:       true,
		Model:         "gpt-4o-mini",
		BaseURL:       "https://api.openai.com",
		PromptVersion: "v1",
	}
}

// Load reads configuration from the environment, an optional .env file, and
// an optional YAML file. With STRICT_CONFIG set, malformed values are errors;
// otherwise they log and fall back to defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		NightscoutURL:    strings.TrimRight(os.Getenv("NIGHTSCOUT_URL"), "/"),
		NightscoutToken:  os.Getenv("NIGHTSCOUT_TOKEN"),
		NightscoutSecret: os.Getenv("NIGHTSCOUT_API_SECRET"),
		PushURL:          os.Getenv("PUSH_URL"),
		Environment:      getEnv("ENVIRONMENT", "local"),
		EnableWatcher:    parseBoolEnvDefault("ENABLE_WATCHER", true),
		StrictConfig:     parseBoolEnv("STRICT_CONFIG"),
		PollIntervalSec:  defaultPollIntervalSec,
		WorkerCount:      defaultWorkerCount,
		QueueSize:        defaultQueueSize,
	}

	cfg.ConfigPath = getEnv("CONFIG_PATH", "config.yaml")
	fileCfg, fileErr := loadFileConfig(cfg.ConfigPath)
	if fileErr != nil && !os.IsNotExist(fileErr) {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", cfg.ConfigPath, fileErr)
		}
		log.Printf("config load failed (%s): %v (using defaults)", cfg.ConfigPath, fileErr)
	}

	cfg.Engine = applyEngineOverrides(defaultEngineConfig(), fileCfg.Engine)
	cfg.LLM = applyLLMOverrides(defaultLLMConfig(), fileCfg.LLM)
	cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if legacyPort := os.Getenv("PORT"); legacyPort != "" && cfg.HTTPPort == defaultPort {
		cfg.HTTPPort = legacyPort
	}
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}

	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), fileCfg.DBPath, defaultDBFile)
	cfg.NotesDir = firstNonEmpty(os.Getenv("NOTES_DIR"), fileCfg.NotesDir, defaultNotesDir)
	cfg.NotesFolder = firstNonEmpty(os.Getenv("NOTES_FOLDER"), fileCfg.NotesFolder, defaultNotesFolder)

	if v, ok, err := parseIntEnv("POLL_INTERVAL_SEC"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid POLL_INTERVAL_SEC: %w", err)
		}
		log.Printf("invalid POLL_INTERVAL_SEC: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.PollIntervalSec = v
	}

	if v, ok, err := parseIntEnv("WORKER_COUNT"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid WORKER_COUNT: %w", err)
		}
		log.Printf("invalid WORKER_COUNT: %v (using default)", err)
	} else if ok {
		cfg.WorkerCount = clampInt(v, 1, 64)
	}

	if v, ok, err := parseIntEnv("QUEUE_SIZE"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid QUEUE_SIZE: %w", err)
		}
		log.Printf("invalid QUEUE_SIZE: %v (using default)", err)
	} else if ok {
		cfg.QueueSize = clampInt(v, minQueueSize, maxQueueSize)
	}
	if cfg.QueueSize < cfg.WorkerCount {
		log.Printf("QUEUE_SIZE must be >= WORKER_COUNT; raising to %d", cfg.WorkerCount)
		cfg.QueueSize = cfg.WorkerCount
	}

	cfg.AnalysisTimeoutSec = defaultTimeoutSec
	if v, ok, err := parseIntEnv("ANALYSIS_TIMEOUT_SEC"); err != nil {
		return cfg, fmt.Errorf("invalid ANALYSIS_TIMEOUT_SEC: %w", err)
	} else if ok {
		if v <= 0 {
			return cfg, fmt.Errorf("ANALYSIS_TIMEOUT_SEC must be positive")
		}
		cfg.AnalysisTimeoutSec = v
	}

	cfg.BackfillLimit = defaultBackfillLimit
	if v, ok, err := parseIntEnv("BACKFILL_LIMIT"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid BACKFILL_LIMIT: %w", err)
		}
		log.Printf("invalid BACKFILL_LIMIT: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.BackfillLimit = clampInt(v, 1, maxBackfillLimit)
	}

	applyEngineEnv(&cfg)

	if v := os.Getenv("LLM_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			if cfg.StrictConfig {
				return cfg, fmt.Errorf("invalid LLM_ENABLED: %w", err)
			}
			log.Printf("invalid LLM_ENABLED=%q (keeping %v)", v, cfg.LLM.Enabled)
		} else {
			cfg.LLM.Enabled = b
		}
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("LLM_PROMPT_VERSION"); v != "" {
		cfg.LLM.PromptVersion = v
	}

	if err := validate(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		log.Printf("config validation: %v (continuing)", err)
	}

	log.Printf("config: db=%s notes_dir=%s folder=%s poll=%ds env=%s", cfg.DBPath, cfg.NotesDir, cfg.NotesFolder, cfg.PollIntervalSec, cfg.Environment)
	return cfg, nil
}

func applyEngineEnv(cfg *Config) {
	intVars := []struct {
		name   string
		target *int
	}{
		{"ENGINE_MIN_LOOKAHEAD_MIN", &cfg.Engine.MinLookaheadMin},
		{"ENGINE_MAX_LOOKAHEAD_MIN", &cfg.Engine.MaxLookaheadMin},
		{"ENGINE_REANALYSIS_COOLDOWN_MIN", &cfg.Engine.ReanalysisCooldownMin},
	}
	for _, v := range intVars {
		n, ok, err := parseIntEnv(v.name)
		if err != nil {
			log.Printf("invalid %s: %v (using default)", v.name, err)
			continue
		}
		if ok && n > 0 {
			*v.target = n
		}
	}
	floatVars := []struct {
		name   string
		target *float64
	}{
		{"ENGINE_TARGET_LOW", &cfg.Engine.TargetLow},
		{"ENGINE_TARGET_HIGH", &cfg.Engine.TargetHigh},
	}
	for _, v := range floatVars {
		f, ok, err := parseFloatEnv(v.name)
		if err != nil {
			log.Printf("invalid %s: %v (using default)", v.name, err)
			continue
		}
		if ok && f > 0 {
			*v.target = f
		}
	}
}

func validate(cfg Config) error {
	if cfg.Engine.MaxLookaheadMin < cfg.Engine.MinLookaheadMin {
		return fmt.Errorf("max lookahead %dm below min lookahead %dm", cfg.Engine.MaxLookaheadMin, cfg.Engine.MinLookaheadMin)
	}
	if cfg.Engine.TargetLow >= cfg.Engine.TargetHigh {
		return fmt.Errorf("target band inverted: low=%.0f high=%.0f", cfg.Engine.TargetLow, cfg.Engine.TargetHigh)
	}
	return nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var out fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("parse yaml: %w", err)
	}
	return out, nil
}

func applyEngineOverrides(base EngineConfig, file engineFileConfig) EngineConfig {
	if file.MinLookaheadMin != nil && *file.MinLookaheadMin > 0 {
		base.MinLookaheadMin = *file.MinLookaheadMin
	}
	if file.MaxLookaheadMin != nil && *file.MaxLookaheadMin > 0 {
		base.MaxLookaheadMin = *file.MaxLookaheadMin
	}
	if file.ReanalysisCooldownMin != nil && *file.ReanalysisCooldownMin >= 0 {
		base.ReanalysisCooldownMin = *file.ReanalysisCooldownMin
	}
	if file.TargetLow != nil && *file.TargetLow > 0 {
		base.TargetLow = *file.TargetLow
	}
	if file.TargetHigh != nil && *file.TargetHigh > 0 {
		base.TargetHigh = *file.TargetHigh
	}
	return base
}

func applyLLMOverrides(base LLMConfig, file llmFileConfig) LLMConfig {
	if file.Enabled != nil {
		base.Enabled = *file.Enabled
	}
	if file.Model != "" {
		base.Model = file.Model
	}
	if file.BaseURL != "" {
		base.BaseURL = strings.TrimRight(file.BaseURL, "/")
	}
	if file.PromptVersion != "" {
		base.PromptVersion = file.PromptVersion
	}
	return base
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBoolEnv(key string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func parseBoolEnvDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseIntEnv(key string) (int, bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func parseFloatEnv(key string) (float64, bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, err
	}
	return f, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Now returns the current UTC time truncated to whole seconds, the timestamp
// granularity used throughout the store.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
