package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Atomixxxx/mon-atelier-ia/internal/launch"
	"github.com/Atomixxxx/mon-atelier-ia/internal/preview"
)

// Config holds settings loaded from atelier.yml, a .env file and the
// environment, in increasing order of precedence.
type Config struct {
	Service  ServiceConfig `yaml:"service"`
	Agents   AgentsConfig  `yaml:"agents"`
	Launch   LaunchConfig  `yaml:"launch"`
	Job      JobConfig     `yaml:"job"`
	Preview  PreviewConfig `yaml:"preview"`
	LogLevel string        `yaml:"logLevel,omitempty"`
}

// ServiceConfig locates the job-execution service.
type ServiceConfig struct {
	URL       string        `yaml:"url"`
	Transport string        `yaml:"transport"`
	Timeout   time.Duration `yaml:"timeout"`
	KeepAlive time.Duration `yaml:"keepAlive"`
}

// AgentsConfig names the chat and generation agents.
type AgentsConfig struct {
	Orchestrator string `yaml:"orchestrator"`
	Developer    string `yaml:"developer"`
}

// LaunchConfig tunes the launch decision.
type LaunchConfig struct {
	MaxExchanges int           `yaml:"maxExchanges"`
	ExtraRules   []launch.Rule `yaml:"extraRules,omitempty"`
}

// JobConfig holds generation job timings.
type JobConfig struct {
	PollInterval    time.Duration `yaml:"pollInterval"`
	MaxPollAttempts int           `yaml:"maxPollAttempts"`
	MaxPollFailures int           `yaml:"maxPollFailures"`
	Deadline        time.Duration `yaml:"deadline"`
	CompletionGrace time.Duration `yaml:"completionGrace"`
	FetchRetries    int           `yaml:"fetchRetries"`
	FetchDelay      time.Duration `yaml:"fetchDelay"`
	Debounce        time.Duration `yaml:"debounce"`
}

// PreviewConfig tunes preview synthesis.
type PreviewConfig struct {
	Signatures []preview.Signature `yaml:"signatures,omitempty"`
	CacheSize  int                 `yaml:"cacheSize"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			URL:       "http://localhost:8000/ultra",
			Transport: "websocket",
			Timeout:   30 * time.Second,
			KeepAlive: 20 * time.Second,
		},
		Agents: AgentsConfig{
			Orchestrator: "project_orchestrator",
			Developer:    "quantum_developer",
		},
		Launch: LaunchConfig{MaxExchanges: launch.DefaultMaxExchanges},
		Job: JobConfig{
			PollInterval:    3 * time.Second,
			MaxPollAttempts: 60,
			MaxPollFailures: 5,
			Deadline:        5 * time.Minute,
			CompletionGrace: time.Second,
			FetchRetries:    5,
			FetchDelay:      2 * time.Second,
			Debounce:        150 * time.Millisecond,
		},
		Preview:  PreviewConfig{CacheSize: 128},
		LogLevel: "info",
	}
}

// Load reads atelier.yml or atelier.yaml from dir over the defaults, then
// applies .env and ATELIER_* environment overrides. A missing file is not
// an error.
func Load(dir string) (*Config, error) {
	cfg := Default()
	for _, name := range []string{"atelier.yml", "atelier.yaml"} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		break
	}

	_ = godotenv.Load(filepath.Join(dir, ".env"))
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Service.URL = firstNonEmpty(env("ATELIER_SERVICE_URL"), c.Service.URL)
	c.Service.Transport = firstNonEmpty(env("ATELIER_TRANSPORT"), c.Service.Transport)
	c.Agents.Orchestrator = firstNonEmpty(env("ATELIER_ORCHESTRATOR_AGENT"), c.Agents.Orchestrator)
	c.Agents.Developer = firstNonEmpty(env("ATELIER_DEVELOPER_AGENT"), c.Agents.Developer)
	c.LogLevel = firstNonEmpty(env("ATELIER_LOG_LEVEL"), c.LogLevel)

	if v := env("ATELIER_MAX_EXCHANGES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: ATELIER_MAX_EXCHANGES: %w", err)
		}
		c.Launch.MaxExchanges = n
	}
	if v := env("ATELIER_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: ATELIER_POLL_INTERVAL: %w", err)
		}
		c.Job.PollInterval = d
	}
	return nil
}

// Validate reports settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.Service.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("service.url %q must be an http(s) URL", c.Service.URL))
	}
	switch c.Service.Transport {
	case "websocket", "sse":
	default:
		errs = append(errs, fmt.Errorf("service.transport %q must be websocket or sse", c.Service.Transport))
	}
	if c.Launch.MaxExchanges < 1 {
		errs = append(errs, fmt.Errorf("launch.maxExchanges must be at least 1"))
	}
	if c.Job.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("job.pollInterval must be positive"))
	}
	if c.Job.MaxPollAttempts < 1 || c.Job.FetchRetries < 1 {
		errs = append(errs, fmt.Errorf("job.maxPollAttempts and job.fetchRetries must be at least 1"))
	}
	if c.Agents.Developer == "" {
		errs = append(errs, fmt.Errorf("agents.developer is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
