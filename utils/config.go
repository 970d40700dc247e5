package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-scheduler/timeparse"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig
	Reddit    RedditConfig
	Scheduler SchedulerConfig
	Database  DatabaseConfig
	Server    ServerConfig
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Name    string
	Version string
}

// RedditConfig holds Reddit API configuration
type RedditConfig struct {
	BaseURL              string
	UserAgent            string
	Username             string
	Password             string
	KeyringService       string
	MaxRequestsPerMinute int
	RequestTimeout       time.Duration
}

// SchedulerConfig holds the scheduling options
type SchedulerConfig struct {
	DryRun            bool
	ShowNotifications bool
	PostTimes         []string
	NotifyWebhookURL  string
	StatsInterval     time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string
}

// ServerConfig holds the daemon's HTTP configuration
type ServerConfig struct {
	Host              string
	Port              int
	RequestsPerSecond int
	RPCURL            string
	RPCSecret         string
}

// Addr is the address the daemon listens on
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// isLoopback reports whether host only accepts local connections.
// An empty host binds every interface.
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// LoadConfig loads configuration from the environment, reading envPath first
// when it exists
func LoadConfig(envPath string, log *logrus.Logger) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}

	if err := godotenv.Load(envPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
		log.WithField("file", envPath).Debug("No .env file, using the environment only")
	}

	host := getEnv("SERVER_HOST", "127.0.0.1")
	port := getEnvAsInt("SERVER_PORT", 8080)

	// clients of a wildcard bind still dial loopback
	dialHost := host
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		dialHost = "127.0.0.1"
	}

	config := &Config{
		App: AppConfig{
			Name:    getEnv("APP_NAME", "Reddit Scheduler"),
			Version: getEnv("APP_VERSION", "1.0.0"),
		},
		Reddit: RedditConfig{
			BaseURL:              getEnv("REDDIT_BASE_URL", "https://www.reddit.com"),
			UserAgent:            getEnv("REDDIT_USER_AGENT", "reddit-scheduler/1.0"),
			Username:             getEnv("REDDIT_USERNAME", ""),
			Password:             getEnv("REDDIT_PASSWORD", ""),
			KeyringService:       getEnv("KEYRING_SERVICE", "reddit-scheduler"),
			MaxRequestsPerMinute: getEnvAsInt("REDDIT_MAX_REQUESTS_PER_MINUTE", 60),
			RequestTimeout:       getEnvAsDuration("REDDIT_REQUEST_TIMEOUT", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			DryRun:            getEnvAsBool("SCHEDULER_DRY_RUN", false),
			ShowNotifications: getEnvAsBool("SCHEDULER_SHOW_NOTIFICATIONS", true),
			PostTimes:         parseList(getEnv("SCHEDULER_POST_TIMES", "")),
			NotifyWebhookURL:  getEnv("SCHEDULER_NOTIFY_WEBHOOK_URL", ""),
			StatsInterval:     getEnvAsDuration("SCHEDULER_STATS_INTERVAL", 30*time.Second),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./scheduler.db"),
		},
		Server: ServerConfig{
			Host:              host,
			Port:              port,
			RequestsPerSecond: getEnvAsInt("SERVER_REQUESTS_PER_SECOND", 20),
			RPCURL:            getEnv("RPC_URL", fmt.Sprintf("http://%s/rpc", net.JoinHostPort(dialHost, strconv.Itoa(port)))),
			RPCSecret:         getEnv("RPC_SECRET", ""),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	log.WithField("file", envPath).Debug("Config loaded successfully")
	return config, nil
}

// parseList parses a comma-separated list, dropping empty entries
func parseList(s string) []string {
	parts := strings.Split(s, ",")

	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool accepts anything strconv.ParseBool does
func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("45s") or plain seconds ("45")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	// Reddit rejects requests without a descriptive User-Agent
	if config.Reddit.UserAgent == "" {
		return fmt.Errorf("REDDIT_USER_AGENT environment variable is required")
	}
	if config.Reddit.MaxRequestsPerMinute < 1 {
		return fmt.Errorf("REDDIT_MAX_REQUESTS_PER_MINUTE must be positive")
	}
	if config.Reddit.RequestTimeout <= 0 {
		return fmt.Errorf("REDDIT_REQUEST_TIMEOUT must be positive")
	}
	if (config.Reddit.Username == "") != (config.Reddit.Password == "") {
		return fmt.Errorf("REDDIT_USERNAME and REDDIT_PASSWORD must be set together")
	}
	for _, spec := range config.Scheduler.PostTimes {
		if err := timeparse.Validate(spec); err != nil {
			return fmt.Errorf("SCHEDULER_POST_TIMES: %w", err)
		}
	}
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535")
	}
	if config.Server.RequestsPerSecond < 1 {
		return fmt.Errorf("SERVER_REQUESTS_PER_SECOND must be positive")
	}
	if !isLoopback(config.Server.Host) && config.Server.RPCSecret == "" {
		return fmt.Errorf("RPC_SECRET is required when SERVER_HOST is not a loopback address")
	}

	// if we are storing the db in a nested directory, create the directory
	dbDir := filepath.Dir(config.Database.Path)
	if dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
