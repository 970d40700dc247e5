package utils

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEnvPath = "./test.env"

func cleanup() {
	os.Remove(testEnvPath)
}

// TestMain handles test setup and cleanup for all tests in this package
func TestMain(m *testing.M) {
	exitCode := m.Run()

	cleanup()

	os.Exit(exitCode)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_ENV_VAR", "test-value")

	value := getEnv("TEST_ENV_VAR", "default-value")
	assert.Equal(t, "test-value", value)

	value = getEnv("NON_EXISTENT_VAR", "default-value")
	assert.Equal(t, "default-value", value)
}

func TestGetEnvAsInt(t *testing.T) {
	t.Setenv("TEST_INT_VAR", "42")
	t.Setenv("TEST_INVALID_INT_VAR", "not-an-int")

	assert.Equal(t, 42, getEnvAsInt("TEST_INT_VAR", 10))
	assert.Equal(t, 10, getEnvAsInt("TEST_INVALID_INT_VAR", 10))
	assert.Equal(t, 10, getEnvAsInt("NON_EXISTENT_VAR", 10))
}

func TestGetEnvAsBool(t *testing.T) {
	t.Setenv("TEST_BOOL_TRUE", "true")
	t.Setenv("TEST_BOOL_ZERO", "0")
	t.Setenv("TEST_BOOL_BAD", "maybe")

	assert.True(t, getEnvAsBool("TEST_BOOL_TRUE", false))
	assert.False(t, getEnvAsBool("TEST_BOOL_ZERO", true))
	assert.True(t, getEnvAsBool("TEST_BOOL_BAD", true))
	assert.False(t, getEnvAsBool("NON_EXISTENT_VAR", false))
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected time.Duration
	}{
		{name: "Go duration", value: "45s", expected: 45 * time.Second},
		{name: "Minutes", value: "2m", expected: 2 * time.Minute},
		{name: "Plain seconds", value: "10", expected: 10 * time.Second},
		{name: "Invalid", value: "soon", expected: time.Minute},
		{name: "Empty", value: "", expected: time.Minute},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tc.value)
			assert.Equal(t, tc.expected, getEnvAsDuration("TEST_DURATION", time.Minute))
		})
	}
}

func TestParseList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "Single entry",
			input:    "10 minutes",
			expected: []string{"10 minutes"},
		},
		{
			name:     "Multiple entries with whitespace",
			input:    "10 minutes, 1 hours ,3:00pm",
			expected: []string{"10 minutes", "1 hours", "3:00pm"},
		},
		{
			name:     "Extra commas",
			input:    ",10 minutes,,3:00pm,",
			expected: []string{"10 minutes", "3:00pm"},
		},
		{
			name:     "Empty",
			input:    "",
			expected: []string{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, parseList(tc.input))
		})
	}
}

func validConfig() *Config {
	return &Config{
		Reddit: RedditConfig{
			UserAgent:            "agent",
			MaxRequestsPerMinute: 60,
			RequestTimeout:       30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PostTimes: []string{"10 minutes", "3:00pm"},
		},
		Database: DatabaseConfig{
			Path: "./test.db",
		},
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			RequestsPerSecond: 20,
		},
	}
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, validateConfig(validConfig()))

	config := validConfig()
	config.Reddit.UserAgent = ""
	err := validateConfig(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDDIT_USER_AGENT")

	config = validConfig()
	config.Reddit.Username = "alice"
	err = validateConfig(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDDIT_PASSWORD")

	config = validConfig()
	config.Scheduler.PostTimes = []string{"whenever"}
	err = validateConfig(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULER_POST_TIMES")

	config = validConfig()
	config.Server.Port = 0
	err = validateConfig(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_PORT")
}

func TestValidateConfigRemoteBindNeedsSecret(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		secret  string
		wantErr bool
	}{
		{name: "Loopback without secret", host: "127.0.0.1"},
		{name: "Localhost without secret", host: "localhost"},
		{name: "IPv6 loopback without secret", host: "::1"},
		{name: "All interfaces without secret", host: "0.0.0.0", wantErr: true},
		{name: "Empty host without secret", host: "", wantErr: true},
		{name: "LAN address without secret", host: "192.168.1.10", wantErr: true},
		{name: "All interfaces with secret", host: "0.0.0.0", secret: "s3cret"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			config := validConfig()
			config.Server.Host = tc.host
			config.Server.RPCSecret = tc.secret

			err := validateConfig(config)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "RPC_SECRET")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestServerAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8080", ServerConfig{Host: "127.0.0.1", Port: 8080}.Addr())
	assert.Equal(t, "[::1]:9090", ServerConfig{Host: "::1", Port: 9090}.Addr())
}

func TestLoadConfigFromFile(t *testing.T) {
	contents := "REDDIT_USER_AGENT=test-agent\n" +
		"SCHEDULER_DRY_RUN=true\n" +
		"SCHEDULER_SHOW_NOTIFICATIONS=false\n" +
		"SCHEDULER_POST_TIMES=5 minutes,9:30am\n" +
		"SERVER_PORT=9090\n" +
		"DATABASE_PATH=./test.db\n"
	require.NoError(t, os.WriteFile(testEnvPath, []byte(contents), 0600))
	defer cleanup()

	// godotenv never overrides variables that are already set
	for _, key := range []string{"REDDIT_USER_AGENT", "SCHEDULER_DRY_RUN", "SCHEDULER_SHOW_NOTIFICATIONS", "SCHEDULER_POST_TIMES", "SERVER_PORT", "DATABASE_PATH", "RPC_URL", "SERVER_HOST", "RPC_SECRET"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	config, err := LoadConfig(testEnvPath, quietLogger())
	require.NoError(t, err)

	assert.Equal(t, "test-agent", config.Reddit.UserAgent)
	assert.True(t, config.Scheduler.DryRun)
	assert.False(t, config.Scheduler.ShowNotifications)
	assert.Equal(t, []string{"5 minutes", "9:30am"}, config.Scheduler.PostTimes)
	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, "http://127.0.0.1:9090/rpc", config.Server.RPCURL)
}

func TestLoadConfigWildcardHost(t *testing.T) {
	t.Setenv("SERVER_HOST", "0.0.0.0")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("RPC_URL", "")
	t.Setenv("DATABASE_PATH", "./test.db")

	t.Setenv("RPC_SECRET", "")
	_, err := LoadConfig("./does-not-exist.env", quietLogger())
	require.Error(t, err)

	t.Setenv("RPC_SECRET", "s3cret")
	config, err := LoadConfig("./does-not-exist.env", quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", config.Server.Addr())
	assert.Equal(t, "http://127.0.0.1:8080/rpc", config.Server.RPCURL)
}

func TestLoadConfigWithoutEnvFile(t *testing.T) {
	t.Setenv("SERVER_PORT", "")
	t.Setenv("SERVER_HOST", "")
	t.Setenv("RPC_SECRET", "")
	t.Setenv("RPC_URL", "")
	t.Setenv("DATABASE_PATH", "./test.db")

	config, err := LoadConfig("./does-not-exist.env", quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "127.0.0.1", config.Server.Host)
	assert.Equal(t, "127.0.0.1:8080", config.Server.Addr())
	assert.Equal(t, "http://127.0.0.1:8080/rpc", config.Server.RPCURL)
	assert.True(t, config.Scheduler.ShowNotifications)
	assert.False(t, config.Scheduler.DryRun)
}
