// Package config loads gateway configuration from the environment and
// validates it at startup. Every knob has a default; only cloud mode imposes
// required variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects the deployment profile. Local mode bypasses auth and serves
// CORS for localhost; cloud mode enforces API keys and the configured domain.
type Mode string

// Modes.
const (
	ModeLocal Mode = "local"
	ModeCloud Mode = "cloud"
)

// SSE tunes the event stream manager.
type SSE struct {
	MaxClients        int
	HeartbeatInterval time.Duration
	ClientBufferSize  int
}

// Executor tunes the DAG executor and its decision gates.
type Executor struct {
	MaxConcurrency int
	TaskTimeout    time.Duration
	AILEnabled     bool
	AILTrigger     string
	AILTimeout     time.Duration
	HILEnabled     bool
	HILApproval    string
	HILTimeout     time.Duration
}

// Sandbox tunes the code-execution bridge.
type Sandbox struct {
	Timeout            time.Duration
	MaxCapabilityDepth int
}

// Pool tunes the upstream connection pool.
type Pool struct {
	MaxSize     int
	IdleTimeout time.Duration
}

// Config is the full gateway configuration.
type Config struct {
	Mode           Mode
	Domain         string
	HTTPPort       int
	DashboardURL   string
	AdminUsernames []string

	SSE      SSE
	Executor Executor
	Sandbox  Sandbox
	Pool     Pool
}

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		Mode:         Mode(getEnvOrDefault("GATEWAY_MODE", string(ModeLocal))),
		Domain:       os.Getenv("DOMAIN"),
		DashboardURL: getEnvOrDefault("DASHBOARD_URL", "http://localhost:3000"),
		SSE: SSE{
			MaxClients:        100,
			HeartbeatInterval: 30 * time.Second,
			ClientBufferSize:  64,
		},
		Executor: Executor{
			MaxConcurrency: 8,
			TaskTimeout:    10 * time.Second,
			AILTrigger:     "per_layer",
			AILTimeout:     60 * time.Second,
			HILApproval:    "always",
			HILTimeout:     60 * time.Second,
		},
		Sandbox: Sandbox{
			Timeout:            15 * time.Second,
			MaxCapabilityDepth: 3,
		},
		Pool: Pool{
			MaxSize:     10,
			IdleTimeout: 5 * time.Minute,
		},
	}

	var err error
	if cfg.HTTPPort, err = intEnv("HTTP_PORT", 8080); err != nil {
		return Config{}, err
	}
	if cfg.SSE.MaxClients, err = intEnv("SSE_MAX_CLIENTS", cfg.SSE.MaxClients); err != nil {
		return Config{}, err
	}
	if cfg.SSE.HeartbeatInterval, err = durationEnv("SSE_HEARTBEAT_INTERVAL", cfg.SSE.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.SSE.ClientBufferSize, err = intEnv("SSE_CLIENT_BUFFER", cfg.SSE.ClientBufferSize); err != nil {
		return Config{}, err
	}
	if cfg.Executor.MaxConcurrency, err = intEnv("EXECUTOR_MAX_CONCURRENCY", cfg.Executor.MaxConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.Executor.TaskTimeout, err = durationEnv("EXECUTOR_TASK_TIMEOUT", cfg.Executor.TaskTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Executor.AILTimeout, err = durationEnv("EXECUTOR_AIL_TIMEOUT", cfg.Executor.AILTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Executor.HILTimeout, err = durationEnv("EXECUTOR_HIL_TIMEOUT", cfg.Executor.HILTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Sandbox.Timeout, err = durationEnv("SANDBOX_TIMEOUT", cfg.Sandbox.Timeout); err != nil {
		return Config{}, err
	}
	if cfg.Sandbox.MaxCapabilityDepth, err = intEnv("SANDBOX_MAX_CAPABILITY_DEPTH", cfg.Sandbox.MaxCapabilityDepth); err != nil {
		return Config{}, err
	}
	if cfg.Pool.MaxSize, err = intEnv("POOL_MAX_SIZE", cfg.Pool.MaxSize); err != nil {
		return Config{}, err
	}
	if cfg.Pool.IdleTimeout, err = durationEnv("POOL_IDLE_TIMEOUT", cfg.Pool.IdleTimeout); err != nil {
		return Config{}, err
	}

	cfg.Executor.AILEnabled = boolEnv("EXECUTOR_AIL_ENABLED", false)
	cfg.Executor.HILEnabled = boolEnv("EXECUTOR_HIL_ENABLED", false)
	cfg.Executor.AILTrigger = getEnvOrDefault("EXECUTOR_AIL_TRIGGER", cfg.Executor.AILTrigger)
	cfg.Executor.HILApproval = getEnvOrDefault("EXECUTOR_HIL_APPROVAL", cfg.Executor.HILApproval)

	for _, name := range strings.Split(os.Getenv("ADMIN_USERNAMES"), ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			cfg.AdminUsernames = append(cfg.AdminUsernames, name)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Mode {
	case ModeLocal, ModeCloud:
	default:
		return fmt.Errorf("invalid GATEWAY_MODE %q: must be local or cloud", c.Mode)
	}
	if c.Mode == ModeCloud && c.Domain == "" {
		return fmt.Errorf("DOMAIN is required in cloud mode")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort)
	}
	if c.SSE.MaxClients < 1 {
		return fmt.Errorf("SSE_MAX_CLIENTS must be positive")
	}
	if c.Executor.MaxConcurrency < 1 {
		return fmt.Errorf("EXECUTOR_MAX_CONCURRENCY must be positive")
	}
	switch c.Executor.AILTrigger {
	case "per_layer", "on_error":
	default:
		return fmt.Errorf("invalid EXECUTOR_AIL_TRIGGER %q", c.Executor.AILTrigger)
	}
	return nil
}

// CORSOrigin returns the single allowed CORS origin for the current mode.
func (c Config) CORSOrigin() string {
	if c.Mode == ModeCloud {
		return "https://" + c.Domain
	}
	return fmt.Sprintf("http://localhost:%d", c.HTTPPort)
}

// IsAdmin reports whether a username is in the admin list, case-insensitively.
func (c Config) IsAdmin(username string) bool {
	for _, admin := range c.AdminUsernames {
		if strings.EqualFold(admin, username) {
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func boolEnv(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
