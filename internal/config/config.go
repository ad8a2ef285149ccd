package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Process modes.
const (
	ModeHost   = "host"
	ModeWorker = "worker"
	ModeMCP    = "mcp"
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// WorkerConfig holds settings of the scheduling and execution process.
type WorkerConfig struct {
	PollInterval time.Duration
	EngineBinary string
	TaskTimeout  time.Duration
	RunKeep      int
	AuthToken    string
}

// NudgeConfig holds companion-app nudge settings.
type NudgeConfig struct {
	App string
	Gap time.Duration
}

// SidecarConfig holds supervisor settings used by the host.
type SidecarConfig struct {
	HealthInterval time.Duration
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Mode         string
	Log          LogConfig
	Worker       WorkerConfig
	Nudge        NudgeConfig
	Sidecar      SidecarConfig
	Notification NotificationConfig

	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	defaultMode           = ModeHost
	defaultLogLevel       = "info"
	defaultRunKeep        = 50
	defaultShutdownGrace  = 10 * time.Second
	defaultPollInterval   = 30 * time.Second
	defaultEngineBinary   = "claude"
	defaultTaskTimeout    = 30 * time.Minute
	defaultNudgeGap       = 3 * time.Second
	defaultHealthInterval = 30 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads the process arguments and environment into Config.
func Parse() (*Config, error) {
	return Load(os.Args[1:])
}

// Load parses args and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Load(args []string) (*Config, error) {
	// .env files are optional; godotenv never overrides variables already set.
	envFiles := []string{}
	for _, candidate := range []string{".env", userEnvFile()} {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			envFiles = append(envFiles, candidate)
		}
	}
	if len(envFiles) > 0 {
		_ = godotenv.Load(envFiles...)
	}

	cfg := &Config{
		Mode: getEnvString("DAYMON_MODE", defaultMode),
		Log: LogConfig{
			Level: getEnvString("DAYMON_LOG_LEVEL", defaultLogLevel),
		},
		Worker: WorkerConfig{
			PollInterval: getEnvDuration("DAYMON_POLL_INTERVAL", defaultPollInterval),
			EngineBinary: getEnvString("DAYMON_ENGINE_BINARY", defaultEngineBinary),
			TaskTimeout:  getEnvDuration("DAYMON_TASK_TIMEOUT", defaultTaskTimeout),
			RunKeep:      getEnvInt("DAYMON_RUN_KEEP", defaultRunKeep),
			AuthToken:    getEnvString("DAYMON_AUTH_TOKEN", ""),
		},
		Nudge: NudgeConfig{
			App: getEnvString("DAYMON_NUDGE_APP", ""),
			Gap: getEnvDuration("DAYMON_NUDGE_GAP", defaultNudgeGap),
		},
		Sidecar: SidecarConfig{
			HealthInterval: getEnvDuration("DAYMON_HEALTH_INTERVAL", defaultHealthInterval),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("DAYMON_BARK_URL", ""),
				Enabled: getEnvBool("DAYMON_BARK_ENABLED", false),
			},
		},
		StateDir:      getEnvString("DAYMON_STATE_DIR", ""),
		UseUTC:        getEnvBool("DAYMON_USE_UTC", false),
		ShutdownGrace: getEnvDuration("DAYMON_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("daymond", flag.ContinueOnError)
	var (
		mode, logLevel, stateDir, engine string
		runKeep                          int
		useUTC                           bool
		shutdownGrace                    time.Duration
	)
	fs.StringVar(&mode, "mode", "", "Process mode: host, worker or mcp (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory holding the database, results and handshake files")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&engine, "engine", "", "Automation CLI binary invoked for each run")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.IntVar(&runKeep, "run-keep", 0, "Number of finished runs to retain per task")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if mode != "" {
		cfg.Mode = mode
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if engine != "" {
		cfg.Worker.EngineBinary = engine
	}
	if runKeep > 0 {
		cfg.Worker.RunKeep = runKeep
	}
	// For bool flags, check if explicitly set via Visit
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case ModeHost, ModeWorker, ModeMCP:
	default:
		return nil, fmt.Errorf("invalid mode %q (want host, worker or mcp)", cfg.Mode)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Worker.RunKeep < 1 {
		cfg.Worker.RunKeep = defaultRunKeep
	}
	if cfg.Nudge.Gap <= 0 {
		cfg.Nudge.Gap = defaultNudgeGap
	}
	return cfg, nil
}

// Location returns the time zone cron expressions are evaluated in.
func (c *Config) Location() *time.Location {
	if c.UseUTC {
		return time.UTC
	}
	return time.Local
}

func userEnvFile() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, "daymon", ".env")
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "daymon")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
