package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultPath = "config/clawreform.yaml"

type Config struct {
	ProjectName      string         `yaml:"project_name"`
	OrchestratorName string         `yaml:"orchestrator_name"`
	Telegram         TelegramConfig `yaml:"telegram"`
	NATS             NATSConfig     `yaml:"nats"`
	Store            StoreConfig    `yaml:"store"`
	Web              WebConfig      `yaml:"web"`
	Runtime          RuntimeConfig  `yaml:"runtime"`
	Catalog          CatalogConfig  `yaml:"catalog"`
	Backup           BackupConfig   `yaml:"backup"`
	Waitlist         WaitlistConfig `yaml:"waitlist"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token"`
	ChatID    int64   `yaml:"chat_id"`
	MinLevel  string  `yaml:"min_level"`
	AllowFrom []int64 `yaml:"allow_from"`
}

type NATSConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// StoreConfig selects where the state document lives. Backend is one of
// memory, file, sqlite or nats. Path is a directory for file and a database
// file for sqlite.
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	Bucket     string `yaml:"bucket"`
	Passphrase string `yaml:"passphrase"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// RuntimeConfig holds the knobs of the simulated control plane. All of it
// can be reloaded while the gateway runs.
type RuntimeConfig struct {
	TickInterval            time.Duration `yaml:"tick_interval"`
	LazyTick                bool          `yaml:"lazy_tick"`
	HeartbeatObstacleChance float64       `yaml:"heartbeat_obstacle_chance"`
	HeartbeatJitter         time.Duration `yaml:"heartbeat_jitter"`
	BaseSuccessChance       float64       `yaml:"base_success_chance"`
	PriorityPenalty         float64       `yaml:"priority_penalty"`
	AutoAdaptBoost          float64       `yaml:"auto_adapt_boost"`
	MinSuccessChance        float64       `yaml:"min_success_chance"`
	MaxSuccessChance        float64       `yaml:"max_success_chance"`
	RunBase                 time.Duration `yaml:"run_base"`
	RunPriorityWeight       time.Duration `yaml:"run_priority_weight"`
	RunJitter               time.Duration `yaml:"run_jitter"`
	ActivityLimit           int           `yaml:"activity_limit"`
	Shell                   ShellConfig   `yaml:"shell"`
}

// ShellConfig controls tasks that run in shell mode. Backend is local
// (a bash subprocess) or docker (a throwaway container).
type ShellConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Backend       string   `yaml:"backend"`
	Command       []string `yaml:"command"`
	WorkspaceRoot string   `yaml:"workspace_root"`
	Image         string   `yaml:"image"`
	Dockerfile    string   `yaml:"dockerfile"`
}

type CatalogConfig struct {
	Path       string `yaml:"path"`
	ModulesDir string `yaml:"modules_dir"`
}

type BackupConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	Dir      string `yaml:"dir"`
	Keep     int    `yaml:"keep"`
}

type WaitlistConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	MaxEntries int           `yaml:"max_entries"`
	Timeout    time.Duration `yaml:"timeout"`
}

func defaults() Config {
	return Config{
		ProjectName:      "clawreform",
		OrchestratorName: "Prime Orchestrator",
		Telegram: TelegramConfig{
			MinLevel: "error",
		},
		NATS: NATSConfig{
			Host:    "127.0.0.1",
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    "data/state",
			Bucket:  "clawreform",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8787,
		},
		Runtime: DefaultRuntime(),
		Backup: BackupConfig{
			Schedule: "0 */6 * * *",
			Dir:      "data/backups",
			Keep:     10,
		},
		Waitlist: WaitlistConfig{
			MaxEntries: 25000,
			Timeout:    5 * time.Second,
		},
	}
}

// DefaultRuntime returns the stock tick and probability settings.
func DefaultRuntime() RuntimeConfig {
	return RuntimeConfig{
		TickInterval:            1200 * time.Millisecond,
		LazyTick:                true,
		HeartbeatObstacleChance: 0.06,
		HeartbeatJitter:         1200 * time.Millisecond,
		BaseSuccessChance:       0.84,
		PriorityPenalty:         0.04,
		AutoAdaptBoost:          0.07,
		MinSuccessChance:        0.2,
		MaxSuccessChance:        0.97,
		RunBase:                 2800 * time.Millisecond,
		RunPriorityWeight:       550 * time.Millisecond,
		RunJitter:               2400 * time.Millisecond,
		ActivityLimit:           300,
		Shell: ShellConfig{
			Enabled:       true,
			Backend:       "local",
			Command:       []string{"bash", "-lc"},
			WorkspaceRoot: ".",
			Image:         "debian:bookworm-slim",
		},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("CLAWREFORM_CONFIG"); p != "" {
		return p
	}
	return defaultPath
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the YAML file at path on top of the defaults. A missing
// file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLAWREFORM_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CLAWREFORM_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("CLAWREFORM_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("CLAWREFORM_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CLAWREFORM_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("CLAWREFORM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CLAWREFORM_STORE_PASSPHRASE"); v != "" {
		cfg.Store.Passphrase = v
	}
	if v := os.Getenv("CLAWREFORM_WORKSPACE_ROOT"); v != "" {
		cfg.Runtime.Shell.WorkspaceRoot = v
	}
	if v := os.Getenv("WAITLIST_WEBHOOK_URL"); v != "" {
		cfg.Waitlist.WebhookURL = v
	}
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "file", "sqlite", "nats":
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	switch c.Runtime.Shell.Backend {
	case "local", "docker":
	default:
		return fmt.Errorf("runtime.shell.backend: unknown backend %q", c.Runtime.Shell.Backend)
	}
	if c.Runtime.Shell.Backend == "local" && len(c.Runtime.Shell.Command) == 0 {
		return fmt.Errorf("runtime.shell.command: must not be empty")
	}
	switch c.Telegram.MinLevel {
	case "info", "warn", "error":
	default:
		return fmt.Errorf("telegram.min_level: unknown level %q", c.Telegram.MinLevel)
	}

	probs := map[string]float64{
		"runtime.heartbeat_obstacle_chance": c.Runtime.HeartbeatObstacleChance,
		"runtime.base_success_chance":       c.Runtime.BaseSuccessChance,
		"runtime.min_success_chance":        c.Runtime.MinSuccessChance,
		"runtime.max_success_chance":        c.Runtime.MaxSuccessChance,
	}
	for name, p := range probs {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s: %v is outside [0, 1]", name, p)
		}
	}
	if c.Runtime.MinSuccessChance > c.Runtime.MaxSuccessChance {
		return fmt.Errorf("runtime.min_success_chance is greater than max_success_chance")
	}
	if c.Runtime.TickInterval < 50*time.Millisecond {
		return fmt.Errorf("runtime.tick_interval: %v is too short", c.Runtime.TickInterval)
	}
	if c.Runtime.ActivityLimit <= 0 {
		c.Runtime.ActivityLimit = 300
	}
	if c.Backup.Keep <= 0 {
		c.Backup.Keep = 10
	}
	return nil
}
