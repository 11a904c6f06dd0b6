package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultStatusFile  = "Status.json"
	DefaultRouteFile   = "NavRoute.json"
	DefaultGameProcess = "EliteDangerous64.exe"
)

type Config struct {
	Journal JournalConfig `yaml:"journal"`
	Status  StatusConfig  `yaml:"status"`
	Route   RouteConfig   `yaml:"route"`
	Race    RaceConfig    `yaml:"race"`
	Monitor MonitorConfig `yaml:"monitor"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	// Watch lists extra journal kinds to publish besides those the
	// trackers consume.
	Watch []string `yaml:"watch"`
}

type JournalConfig struct {
	Dir          string `yaml:"dir"`
	SkipExisting bool   `yaml:"skip_existing"`
}

// StatusConfig locates Status.json; a relative File is resolved against
// the journal directory.
type StatusConfig struct {
	File        string        `yaml:"file"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type RouteConfig struct {
	File        string `yaml:"file"`
	HistorySize int    `yaml:"history_size"`
}

type RaceConfig struct {
	File       string `yaml:"file"`
	LibraryDir string `yaml:"library_dir"`
	// RecordsDir holds personal bests; empty means the XDG state dir.
	RecordsDir string `yaml:"records_dir"`
}

type MonitorConfig struct {
	PollInterval           time.Duration `yaml:"poll_interval"`
	WatchFS                bool          `yaml:"watch_fs"`
	HealthWarningThreshold int           `yaml:"health_warning_threshold"`
	GameProcess            string        `yaml:"game_process"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	MaxConnections    int           `yaml:"max_connections"`
	// AllowedOrigins replaces the default loopback-only websocket origin check.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// AuthToken, when set, is required on /ws and /api requests.
	AuthToken string `yaml:"auth_token"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaultConfig() *Config {
	return &Config{
		Journal: JournalConfig{Dir: DefaultJournalDir()},
		Status: StatusConfig{
			File:        DefaultStatusFile,
			MaxAttempts: 10,
			RetryDelay:  10 * time.Millisecond,
		},
		Route: RouteConfig{
			File:        DefaultRouteFile,
			HistorySize: 20,
		},
		Race: RaceConfig{LibraryDir: defaultLibraryDir()},
		Monitor: MonitorConfig{
			PollInterval:           250 * time.Millisecond,
			WatchFS:                true,
			HealthWarningThreshold: 3,
			GameProcess:            DefaultGameProcess,
		},
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			SnapshotInterval:  5 * time.Second,
			BroadcastThrottle: 100 * time.Millisecond,
			MaxConnections:    32,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

// DefaultJournalDir is the game's journal directory for the current
// platform: the Steam Proton prefix on Linux, Saved Games on Windows.
func DefaultJournalDir() string {
	const rel = "Saved Games/Frontier Developments/Elite Dangerous"
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("USERPROFILE"), filepath.FromSlash(rel))
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			home = filepath.Join("/home", os.Getenv("USER"))
		}
		return filepath.Join(home, ".local/share/Steam/steamapps/compatdata/359320/pfx/drive_c/users/steamuser", rel)
	}
}

func defaultLibraryDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "races"
	}
	return filepath.Join(dir, "edcompanion", "races")
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when it does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	var errs []error
	if c.Journal.Dir == "" {
		errs = append(errs, errors.New("journal.dir is required"))
	}
	if c.Status.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("status.max_attempts must be at least 1, got %d", c.Status.MaxAttempts))
	}
	if c.Status.RetryDelay < 0 {
		errs = append(errs, errors.New("status.retry_delay must not be negative"))
	}
	if c.Route.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("route.history_size must be at least 1, got %d", c.Route.HistorySize))
	}
	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, errors.New("monitor.poll_interval must be positive"))
	}
	if c.Monitor.HealthWarningThreshold < 1 {
		errs = append(errs, errors.New("monitor.health_warning_threshold must be at least 1"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.SnapshotInterval <= 0 {
		errs = append(errs, errors.New("server.snapshot_interval must be positive"))
	}
	if c.Server.BroadcastThrottle < 0 {
		errs = append(errs, errors.New("server.broadcast_throttle must not be negative"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	return errors.Join(errs...)
}

// StatusPath is the status file, resolved against the journal directory.
func (c *Config) StatusPath() string { return c.resolve(c.Status.File) }

// RoutePath is the route file, resolved against the journal directory.
func (c *Config) RoutePath() string { return c.resolve(c.Route.File) }

func (c *Config) resolve(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(c.Journal.Dir, file)
}

// Diff lists human-readable changes between two configs for reload logs.
// Only settings applied without a restart are compared.
func Diff(old, new *Config) []string {
	var changes []string
	add := func(key string, a, b any) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			changes = append(changes, fmt.Sprintf("%s: %v → %v", key, a, b))
		}
	}
	add("monitor.poll_interval", old.Monitor.PollInterval, new.Monitor.PollInterval)
	add("monitor.health_warning_threshold", old.Monitor.HealthWarningThreshold, new.Monitor.HealthWarningThreshold)
	add("monitor.game_process", old.Monitor.GameProcess, new.Monitor.GameProcess)
	add("status.max_attempts", old.Status.MaxAttempts, new.Status.MaxAttempts)
	add("status.retry_delay", old.Status.RetryDelay, new.Status.RetryDelay)
	add("log.level", old.Log.Level, new.Log.Level)
	if !slices.Equal(old.Watch, new.Watch) {
		changes = append(changes, fmt.Sprintf("watch: %v → %v", old.Watch, new.Watch))
	}
	return changes
}
