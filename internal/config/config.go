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

// Config holds all runtime configuration for the daemon.
// Priority: CLI flags > environment variables > .env file > defaults.
type Config struct {
	Addr      string
	AuthToken string
	StateDir  string
	Mode      string

	LogLevel string
	UseUTC   bool

	SchedulerInterval time.Duration
	DispatchWorkers   int
	JobParallel       int
	CommandTimeout    time.Duration
	SSHConnectTimeout time.Duration
	ShutdownGrace     time.Duration

	WebhookURL string
}

const (
	defaultAddr              = "0.0.0.0:7070"
	defaultLogLevel          = "info"
	defaultMode              = "http"
	defaultSchedulerInterval = time.Minute
	defaultDispatchWorkers   = 4
	defaultJobParallel       = 4
	defaultCommandTimeout    = 5 * time.Minute
	defaultSSHConnect        = 10 * time.Second
	defaultShutdownGrace     = 5 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads configuration from flags, the environment and an optional
// .env file.
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "fleetrun", ".env"))
	}
	_ = godotenv.Load(envFiles...) // optional

	cfg := &Config{
		Addr:              getEnvString("FLEETRUN_ADDR", defaultAddr),
		AuthToken:         getEnvString("FLEETRUN_AUTH_TOKEN", ""),
		StateDir:          getEnvString("FLEETRUN_STATE_DIR", ""),
		Mode:              getEnvString("FLEETRUN_MODE", defaultMode),
		LogLevel:          getEnvString("FLEETRUN_LOG_LEVEL", defaultLogLevel),
		UseUTC:            getEnvBool("FLEETRUN_USE_UTC", false),
		SchedulerInterval: getEnvDuration("FLEETRUN_SCHEDULER_INTERVAL", defaultSchedulerInterval),
		DispatchWorkers:   getEnvInt("FLEETRUN_DISPATCH_WORKERS", defaultDispatchWorkers),
		JobParallel:       getEnvInt("FLEETRUN_JOB_PARALLEL", defaultJobParallel),
		CommandTimeout:    getEnvDuration("FLEETRUN_COMMAND_TIMEOUT", defaultCommandTimeout),
		SSHConnectTimeout: getEnvDuration("FLEETRUN_SSH_CONNECT_TIMEOUT", defaultSSHConnect),
		ShutdownGrace:     getEnvDuration("FLEETRUN_SHUTDOWN_GRACE", defaultShutdownGrace),
		WebhookURL:        getEnvString("FLEETRUN_WEBHOOK_URL", ""),
	}

	var (
		addr, stateDir, logLevel, mode string
		useUTC                         bool
		schedulerInterval              time.Duration
		shutdownGrace                  time.Duration
	)
	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory for the database")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&mode, "mode", "", "Serving mode: http, mcp or both")
	flag.BoolVar(&useUTC, "use-utc", false, "Evaluate cron expressions in UTC instead of local time")
	flag.DurationVar(&schedulerInterval, "scheduler-interval", 0, "Interval between scheduler passes")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	flag.Parse()

	if addr != "" {
		cfg.Addr = addr
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if schedulerInterval > 0 {
		cfg.SchedulerInterval = schedulerInterval
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.DispatchWorkers < 1 {
		cfg.DispatchWorkers = defaultDispatchWorkers
	}
	if cfg.JobParallel < 1 {
		cfg.JobParallel = defaultJobParallel
	}
	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "fleetrun")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
