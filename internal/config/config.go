package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process-wide settings. Values come from the
// environment (TARTVM_ prefix), optionally seeded from a .env file.
type Config struct {
	Host string
	Port int

	TartPath string

	// StateDir holds the auth token and detached-run log files.
	StateDir string
	Token    string

	MaxTaskLogs int

	// Per-command-class timeouts for tart invocations.
	TimeoutList   time.Duration
	TimeoutGet    time.Duration
	TimeoutIP     time.Duration
	TimeoutStop   time.Duration
	TimeoutDelete time.Duration
	TimeoutPull   time.Duration
	TimeoutClone  time.Duration

	InventoryInterval time.Duration
	CleanupInterval   time.Duration
	TaskTTL           time.Duration
	ConfigCacheTTL    time.Duration
	IPProbeLimit      int
}

// Load reads settings from the environment. If envFile is non-empty it
// is loaded first; a missing default .env is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	cfg := &Config{
		Host:              getEnv("TARTVM_HOST", "127.0.0.1"),
		Port:              getEnvInt("TARTVM_PORT", 8000),
		TartPath:          getEnv("TARTVM_TART_PATH", "tart"),
		StateDir:          getEnv("TARTVM_STATE_DIR", filepath.Join(home, ".tartvm-manager")),
		MaxTaskLogs:       getEnvInt("TARTVM_MAX_TASK_LOGS", 1000),
		TimeoutList:       getEnvSeconds("TARTVM_TIMEOUT_LIST", 5),
		TimeoutGet:        getEnvSeconds("TARTVM_TIMEOUT_GET", 10),
		TimeoutIP:         getEnvSeconds("TARTVM_TIMEOUT_IP", 4),
		TimeoutStop:       getEnvSeconds("TARTVM_TIMEOUT_STOP", 40),
		TimeoutDelete:     getEnvSeconds("TARTVM_TIMEOUT_DELETE", 60),
		TimeoutPull:       getEnvSeconds("TARTVM_TIMEOUT_PULL", 3600),
		TimeoutClone:      getEnvSeconds("TARTVM_TIMEOUT_CLONE", 120),
		InventoryInterval: getEnvSeconds("TARTVM_INVENTORY_INTERVAL", 10),
		CleanupInterval:   getEnvSeconds("TARTVM_CLEANUP_INTERVAL", 300),
		TaskTTL:           getEnvSeconds("TARTVM_TASK_TTL", 3600),
		ConfigCacheTTL:    getEnvSeconds("TARTVM_CONFIG_CACHE_TTL", 3600),
		IPProbeLimit:      getEnvInt("TARTVM_IP_PROBE_LIMIT", 3),
	}

	token, err := ensureToken(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	cfg.Token = token

	return cfg, nil
}

// LogsDir is where detached tart run output is written.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ensureToken loads the local API token, generating one on first run.
// The token file is the only secret this process owns: directory 0700,
// file 0600.
func ensureToken(stateDir string) (string, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	tokenFile := filepath.Join(stateDir, "token")

	b, err := os.ReadFile(tokenFile)
	if err == nil {
		if info, serr := os.Stat(tokenFile); serr == nil && info.Mode().Perm() != 0o600 {
			_ = os.Chmod(tokenFile, 0o600)
		}
		if token := string(trimSpaceRight(b)); token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read token file: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	if err := os.WriteFile(tokenFile, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}
	return token, nil
}

func trimSpaceRight(b []byte) []byte {
	for len(b) > 0 {
		switch b[len(b)-1] {
		case '\n', '\r', ' ', '\t':
			b = b[:len(b)-1]
		default:
			return b
		}
	}
	return b
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		log.Printf("invalid value for %s: %q, using default %d", key, val, defaultVal)
	}
	return defaultVal
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
