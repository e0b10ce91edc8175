// Package config provides configuration loading for the chat bridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all process-level configuration values for the bridge.
// Runtime notification tuning lives in Settings (TOML, hot-reloaded).
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Agent subprocess settings
	AgentCommand  string
	AgentArgs     []string
	WorkerCommand string
	WorkerArgs    []string
	AgentWorkDir  string

	// Data paths
	DataDir           string
	DBPath            string
	SettingsPath      string
	PolicyPath        string
	SubscriptionsPath string
	VAPIDKeyPath      string

	// Helper commands, invoked with {action, params} JSON on stdin
	ContextHelperCommand []string
	LogHelperCommand     []string

	// Permission settings
	YoloMode bool

	// Prompt timeouts
	PromptTimeout         time.Duration
	NotifyDecisionTimeout time.Duration

	// Supervision
	MaxRestartAttempts int

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := getEnv("BRIDGE_DATA_DIR", "./data")

	cfg := &Config{
		Port:           getEnvInt("BRIDGE_PORT", 3009),
		Host:           getEnv("BRIDGE_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		AgentCommand:  getEnv("AGENT_COMMAND", "gemini"),
		AgentArgs:     getEnvStringSlice("AGENT_ARGS", []string{"--experimental-acp"}),
		WorkerCommand: getEnv("WORKER_COMMAND", ""),
		WorkerArgs:    getEnvStringSlice("WORKER_ARGS", nil),
		AgentWorkDir:  getEnv("AGENT_WORK_DIR", ""),

		DataDir:           dataDir,
		DBPath:            getEnv("BRIDGE_DB_PATH", filepath.Join(dataDir, "bridge.db")),
		SettingsPath:      getEnv("NOTIFY_SETTINGS_PATH", filepath.Join(dataDir, "notify_settings.toml")),
		PolicyPath:        getEnv("PERMISSION_POLICY_PATH", filepath.Join(dataDir, "permission_policy.json")),
		SubscriptionsPath: getEnv("PUSH_SUBSCRIPTIONS_PATH", filepath.Join(dataDir, "push_subscriptions.json")),
		VAPIDKeyPath:      getEnv("VAPID_KEY_PATH", filepath.Join(dataDir, "vapid_keys.json")),

		ContextHelperCommand: getEnvStringSlice("CONTEXT_HELPER_COMMAND", []string{"python3", "manage_context.py", "--api-mode", "execute"}),
		LogHelperCommand:     getEnvStringSlice("LOG_HELPER_COMMAND", []string{"python3", "manage_log.py", "--api-mode", "execute"}),

		YoloMode: getEnvBool("YOLO_MODE", false),

		PromptTimeout:         getEnvDuration("PROMPT_TIMEOUT", 45*time.Second),
		NotifyDecisionTimeout: getEnvDuration("NOTIFY_DECISION_TIMEOUT", 120*time.Second),

		MaxRestartAttempts: getEnvInt("MAX_RESTART_ATTEMPTS", 5),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
	}

	if cfg.AgentCommand == "" {
		return nil, fmt.Errorf("AGENT_COMMAND is required")
	}
	// The worker defaults to the same agent binary when not set explicitly.
	if cfg.WorkerCommand == "" {
		cfg.WorkerCommand = cfg.AgentCommand
		if len(cfg.WorkerArgs) == 0 {
			cfg.WorkerArgs = cfg.AgentArgs
		}
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
