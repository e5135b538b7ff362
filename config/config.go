// Package config loads the engine configuration from a YAML file with
// environment overrides. Durations are expressed in seconds in the file,
// matching the queue tuning knobs operators already reason about.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root configuration for the loom pipeline.
	Config struct {
		App       App                    `yaml:"app"`
		Redis     Redis                  `yaml:"redis"`
		Mongo     Mongo                  `yaml:"mongo"`
		Queues    map[string]QueueConfig `yaml:"queues"`
		Narrator  Narrator               `yaml:"narrator"`
		Resources Resources              `yaml:"resources"`
		Downloads Downloads              `yaml:"downloads"`
		Providers Providers              `yaml:"providers"`
		Relay     Relay                  `yaml:"relay"`
	}

	// App identifies the running service.
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		Debug   bool   `yaml:"debug"`
	}

	// Redis is the cache connection. The cache is the single source of truth
	// for queues, task records and tracker mappings; startup fails without it.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// Mongo configures the optional run archive. Empty URI disables it.
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// QueueConfig tunes one named task queue.
	QueueConfig struct {
		MaxConcurrent int   `yaml:"max_concurrent"`
		JobTimeout    int   `yaml:"job_timeout"`  // seconds
		KeepResult    int   `yaml:"keep_result"`  // seconds, TTL of task records
		MaxTries      int   `yaml:"max_tries"`
		RetryDelays   []int `yaml:"retry_delays"` // seconds per attempt, last reused
	}

	// Narrator selects the voice used for narration TTS. Empty disables
	// narration synthesis (narration events still flow, without voice keys).
	Narrator struct {
		VoiceID string `yaml:"voice_id"`
	}

	// Resources tunes the tracker.
	Resources struct {
		WaitTimeout  int `yaml:"wait_timeout"`  // seconds, consumer await budget
		PollInterval int `yaml:"poll_interval"` // seconds, task status poll
	}

	// Downloads tunes the offline consumer.
	Downloads struct {
		Concurrency int `yaml:"concurrency"`
	}

	// Providers configures the external collaborators.
	Providers struct {
		Prompt PromptProvider `yaml:"prompt"`
		Image  ImageProvider  `yaml:"image"`
		Speech SpeechProvider `yaml:"speech"`
	}

	// PromptProvider selects and configures the planner backend.
	// Kind is one of "chatflow", "openai", "anthropic", "bedrock".
	PromptProvider struct {
		Kind    string `yaml:"kind"`
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
	}

	// ImageProvider configures the image workflow runner.
	ImageProvider struct {
		BaseURL          string  `yaml:"base_url"`
		APIKey           string  `yaml:"api_key"`
		SceneWorkflow    string  `yaml:"scene_workflow"`
		PortraitWorkflow string  `yaml:"portrait_workflow"`
		RateLimit        float64 `yaml:"rate_limit"` // requests per second, 0 = unlimited
	}

	// SpeechProvider configures TTS and audio search.
	SpeechProvider struct {
		BaseURL          string  `yaml:"base_url"`
		APIKey           string  `yaml:"api_key"`
		MaxDistance      float64 `yaml:"max_distance"`
		EnableCommercial bool    `yaml:"enable_commercial"`
		RateLimit        float64 `yaml:"rate_limit"`
	}

	// Relay configures the optional cross-process event stream.
	Relay struct {
		Stream string `yaml:"stream"`
		MaxLen int    `yaml:"max_len"`
	}
)

// Default returns a configuration with working development values. Tests and
// the CLIs start from it and override what they need.
func Default() *Config {
	return &Config{
		App:   App{Name: "loom", Version: "dev"},
		Redis: Redis{Addr: "localhost:6379"},
		Queues: map[string]QueueConfig{
			"image_generation": {
				MaxConcurrent: 3,
				JobTimeout:    300,
				KeepResult:    3600,
				MaxTries:      3,
				RetryDelays:   []int{30, 60, 120},
			},
			"audio_processing": {
				MaxConcurrent: 5,
				JobTimeout:    120,
				KeepResult:    3600,
				MaxTries:      3,
				RetryDelays:   []int{10, 30, 60},
			},
		},
		Narrator:  Narrator{VoiceID: "narrator_001"},
		Resources: Resources{WaitTimeout: 3600, PollInterval: 1},
		Downloads: Downloads{Concurrency: 10},
		Providers: Providers{
			Speech: SpeechProvider{MaxDistance: 0.4},
		},
		Relay: Relay{Stream: "loom:events", MaxLen: 5000},
	}
}

// Load reads the YAML file at path, layers it over Default and applies
// environment overrides. An empty path skips the file and returns defaults
// plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the process environment. Only settings
// that differ between deployments (connection strings, credentials) are
// overridable; queue tuning stays in the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("LOOM_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("LOOM_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LOOM_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("LOOM_MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("LOOM_PROMPT_API_KEY"); v != "" {
		c.Providers.Prompt.APIKey = v
	}
	if v := os.Getenv("LOOM_IMAGE_API_KEY"); v != "" {
		c.Providers.Image.APIKey = v
	}
	if v := os.Getenv("LOOM_SPEECH_API_KEY"); v != "" {
		c.Providers.Speech.APIKey = v
	}
	if v := os.Getenv("LOOM_DEBUG"); v != "" {
		c.App.Debug = v == "1" || v == "true"
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required")
	}
	if len(c.Queues) == 0 {
		return errors.New("config: at least one queue is required")
	}
	for name, q := range c.Queues {
		if name == "" {
			return errors.New("config: queue name must not be empty")
		}
		if q.MaxConcurrent <= 0 {
			return fmt.Errorf("config: queue %q: max_concurrent must be positive", name)
		}
		if q.JobTimeout <= 0 {
			return fmt.Errorf("config: queue %q: job_timeout must be positive", name)
		}
		if q.MaxTries <= 0 {
			return fmt.Errorf("config: queue %q: max_tries must be positive", name)
		}
		if len(q.RetryDelays) == 0 && q.MaxTries > 1 {
			return fmt.Errorf("config: queue %q: retry_delays required when max_tries > 1", name)
		}
	}
	if c.Resources.WaitTimeout <= 0 {
		return errors.New("config: resources.wait_timeout must be positive")
	}
	if c.Resources.PollInterval <= 0 {
		return errors.New("config: resources.poll_interval must be positive")
	}
	if c.Downloads.Concurrency <= 0 {
		return errors.New("config: downloads.concurrency must be positive")
	}
	return nil
}

// JobTimeoutDuration returns the queue's job timeout.
func (q QueueConfig) JobTimeoutDuration() time.Duration {
	return time.Duration(q.JobTimeout) * time.Second
}

// KeepResultDuration returns the TTL applied to task records. Zero falls back
// to 24 hours.
func (q QueueConfig) KeepResultDuration() time.Duration {
	if q.KeepResult <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(q.KeepResult) * time.Second
}

// RetryDelay returns the delay before the attempt-th retry (1-based), reusing
// the last configured value beyond the list.
func (q QueueConfig) RetryDelay(attempt int) time.Duration {
	if len(q.RetryDelays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(q.RetryDelays) {
		idx = len(q.RetryDelays) - 1
	}
	return time.Duration(q.RetryDelays[idx]) * time.Second
}

// WaitTimeoutDuration returns the consumer resource await budget.
func (r Resources) WaitTimeoutDuration() time.Duration {
	return time.Duration(r.WaitTimeout) * time.Second
}

// PollIntervalDuration returns the tracker poll cadence.
func (r Resources) PollIntervalDuration() time.Duration {
	return time.Duration(r.PollInterval) * time.Second
}
