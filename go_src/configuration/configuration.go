package configuration

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"futuresdash/go_src/dash_errors"
)

const (
	// ConfigPathEnv overrides the config file location.
	ConfigPathEnv     = "FUTURES_DASH_CONFIG_PATH"
	DefaultConfigPath = "./config/config.json"
	// TokenPassphraseEnv holds the passphrase for the encrypted REST token. It is never read from the file.
	TokenPassphraseEnv = "FUTURES_DASH_TOKEN_PASSPHRASE"
)

// Config struct to hold the configuration data
type Config struct {
	GlobalSettings    GlobalSettings    `json:"global_settings"`
	API               APIConfig         `json:"api"`
	WebSocket         WebSocketConfig   `json:"websocket"`
	Logging           Logging           `json:"logging"`
	Database          Database          `json:"database"`
	RabbitMQ          RabbitMQ          `json:"rabbitmq"`
	SchedulerSettings SchedulerSettings `json:"scheduler_settings"`
	ViewServer        ViewServer        `json:"view_server"`
}

// GlobalSettings struct
type GlobalSettings struct {
	AppName string `json:"app_name"`
	Version string `json:"version"`
}

// APIConfig describes the REST resource server.
type APIConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Retries        int    `json:"retries"`
	AuthHeader     string `json:"auth_header"` // e.g. "Authorization"
	AuthPrefix     string `json:"auth_prefix"` // e.g. "Bearer"
	TokenFile      string `json:"token_file"`  // encrypted token, optional
	SaltFile       string `json:"salt_file"`
}

// WebSocketConfig describes the persistent feed connection.
type WebSocketConfig struct {
	BaseURL               string `json:"base_url"`
	PathPrefix            string `json:"path_prefix"`
	MaxReconnectAttempts  int    `json:"max_reconnect_attempts"`
	ReconnectDelayMs      int    `json:"reconnect_delay_ms"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"` // advisory wait for a data frame
	WriteTimeoutSeconds   int    `json:"write_timeout_seconds"`
}

// Logging struct
type Logging struct {
	Level         string `json:"level"` // e.g., "debug", "info", "warn", "error"
	FilePath      string `json:"file_path"`
	RotationSize  int    `json:"rotation_size"` // in MB
	MaxBackups    int    `json:"max_backups"`
	ConsoleOutput bool   `json:"console_output"`
}

// Database configures the DuckDB instrument cache.
type Database struct {
	DBName   string `json:"db_name"`
	InMemory bool   `json:"in_memory"`
}

// RabbitMQ struct
type RabbitMQ struct {
	Enabled     bool   `json:"enabled"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	VirtualHost string `json:"virtual_host"`
	AlertQueue  string `json:"alert_queue"`
}

// SchedulerSettings struct
type SchedulerSettings struct {
	Enabled                bool   `json:"enabled"`
	Timezone               string `json:"timezone"`
	RefreshIntervalSeconds int    `json:"refresh_interval_seconds"` // 0 disables the refresh job
	StatusIntervalSeconds  int    `json:"status_interval_seconds"`
}

// ViewServer configures the HTTP surface for browser views.
type ViewServer struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
	Debug      bool   `json:"debug"`
}

// ConfigPath returns the config file path from the environment, or the default.
func ConfigPath() string {
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig loads configuration from a JSON file and fills defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = json.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}
	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills unset fields with the dashboard's defaults.
func (c *Config) ApplyDefaults() {
	if c.GlobalSettings.AppName == "" {
		c.GlobalSettings.AppName = "futures-dashboard"
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://localhost:8000"
	}
	if c.API.TimeoutSeconds == 0 {
		c.API.TimeoutSeconds = 10
	}
	if c.API.AuthHeader == "" {
		c.API.AuthHeader = "Authorization"
	}
	if c.API.AuthPrefix == "" {
		c.API.AuthPrefix = "Bearer"
	}
	if c.WebSocket.BaseURL == "" {
		c.WebSocket.BaseURL = "ws://localhost:8000"
	}
	if c.WebSocket.PathPrefix == "" {
		c.WebSocket.PathPrefix = "/ws"
	}
	if c.WebSocket.MaxReconnectAttempts == 0 {
		c.WebSocket.MaxReconnectAttempts = 5
	}
	if c.WebSocket.ReconnectDelayMs == 0 {
		c.WebSocket.ReconnectDelayMs = 1000
	}
	if c.WebSocket.RequestTimeoutSeconds == 0 {
		c.WebSocket.RequestTimeoutSeconds = 30
	}
	if c.WebSocket.WriteTimeoutSeconds == 0 {
		c.WebSocket.WriteTimeoutSeconds = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "./logs"
	}
	if c.Logging.RotationSize == 0 {
		c.Logging.RotationSize = 100
	}
	if c.Database.DBName == "" {
		c.Database.DBName = "futuresdash.duckdb"
	}
	if c.RabbitMQ.Port == 0 {
		c.RabbitMQ.Port = 5672
	}
	if c.RabbitMQ.VirtualHost == "" {
		c.RabbitMQ.VirtualHost = "/"
	}
	if c.RabbitMQ.AlertQueue == "" {
		c.RabbitMQ.AlertQueue = "futuresdash_alerts"
	}
	if c.SchedulerSettings.Timezone == "" {
		c.SchedulerSettings.Timezone = "Local"
	}
	if c.SchedulerSettings.StatusIntervalSeconds == 0 {
		c.SchedulerSettings.StatusIntervalSeconds = 60
	}
	if c.ViewServer.ListenAddr == "" {
		c.ViewServer.ListenAddr = "127.0.0.1:8090"
	}
}

// ValidateConfig checks for the presence and correctness of all required configuration fields
func (c *Config) ValidateConfig() error {
	// Validate GlobalSettings
	if c.GlobalSettings.AppName == "" {
		return dash_errors.NewConfigError("global_settings.app_name", "is required")
	}
	if c.GlobalSettings.Version == "" {
		return dash_errors.NewConfigError("global_settings.version", "is required")
	}

	// Validate API
	if err := validateURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.API.TimeoutSeconds <= 0 {
		return dash_errors.NewConfigError("api.timeout_seconds", "must be positive")
	}
	if c.API.Retries < 0 {
		return dash_errors.NewConfigError("api.retries", "cannot be negative")
	}
	if c.API.TokenFile != "" && c.API.SaltFile == "" {
		return dash_errors.NewConfigError("api.salt_file", "is required when api.token_file is set")
	}

	// Validate WebSocket
	if err := validateURL("websocket.base_url", c.WebSocket.BaseURL, "ws", "wss"); err != nil {
		return err
	}
	if c.WebSocket.MaxReconnectAttempts <= 0 {
		return dash_errors.NewConfigError("websocket.max_reconnect_attempts", "must be positive")
	}
	if c.WebSocket.ReconnectDelayMs <= 0 {
		return dash_errors.NewConfigError("websocket.reconnect_delay_ms", "must be positive")
	}
	if c.WebSocket.RequestTimeoutSeconds <= 0 {
		return dash_errors.NewConfigError("websocket.request_timeout_seconds", "must be positive")
	}
	if c.WebSocket.WriteTimeoutSeconds <= 0 {
		return dash_errors.NewConfigError("websocket.write_timeout_seconds", "must be positive")
	}

	// Validate Logging
	if c.Logging.Level == "" {
		return dash_errors.NewConfigError("logging.level", "is required")
	}
	validLogLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
	levelIsValid := false
	for _, level := range validLogLevels {
		if strings.ToLower(c.Logging.Level) == level {
			levelIsValid = true
			break
		}
	}
	if !levelIsValid {
		return dash_errors.NewConfigError("logging.level", "is invalid: "+c.Logging.Level)
	}
	if c.Logging.FilePath == "" {
		return dash_errors.NewConfigError("logging.file_path", "is required")
	}
	if c.Logging.RotationSize <= 0 {
		return dash_errors.NewConfigError("logging.rotation_size", "must be positive")
	}
	if c.Logging.MaxBackups < 0 {
		return dash_errors.NewConfigError("logging.max_backups", "cannot be negative")
	}

	// Validate Database
	if !c.Database.InMemory && c.Database.DBName == "" {
		return dash_errors.NewConfigError("database.db_name", "is required unless database.in_memory is set")
	}

	// Validate RabbitMQ
	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return dash_errors.NewConfigError("rabbitmq.host", "is required when rabbitmq is enabled")
		}
		if c.RabbitMQ.Port <= 0 {
			return dash_errors.NewConfigError("rabbitmq.port", "must be positive")
		}
		if c.RabbitMQ.Username == "" {
			return dash_errors.NewConfigError("rabbitmq.username", "is required when rabbitmq is enabled")
		}
		if c.RabbitMQ.AlertQueue == "" {
			return dash_errors.NewConfigError("rabbitmq.alert_queue", "is required when rabbitmq is enabled")
		}
	}

	// Validate SchedulerSettings
	if c.SchedulerSettings.Enabled {
		if _, err := time.LoadLocation(c.SchedulerSettings.Timezone); err != nil {
			return dash_errors.NewConfigError("scheduler_settings.timezone", fmt.Sprintf("is invalid: %s (%v)", c.SchedulerSettings.Timezone, err))
		}
		if c.SchedulerSettings.RefreshIntervalSeconds < 0 {
			return dash_errors.NewConfigError("scheduler_settings.refresh_interval_seconds", "cannot be negative")
		}
		if c.SchedulerSettings.StatusIntervalSeconds <= 0 {
			return dash_errors.NewConfigError("scheduler_settings.status_interval_seconds", "must be positive")
		}
	}

	// Validate ViewServer
	if c.ViewServer.Enabled && c.ViewServer.ListenAddr == "" {
		return dash_errors.NewConfigError("view_server.listen_addr", "is required when view_server is enabled")
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return dash_errors.NewConfigError(field, "is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return dash_errors.NewConfigError(field, "is not a valid URL: "+raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return dash_errors.NewConfigError(field, fmt.Sprintf("must use scheme %s, got %q", strings.Join(schemes, " or "), u.Scheme))
}

// RequestTimeout is the advisory wait for a data frame after a request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.WebSocket.RequestTimeoutSeconds) * time.Second
}

// Location resolves scheduler_settings.timezone. Empty and "Local" both mean
// the host zone, the same default ApplyDefaults writes.
func (c *Config) Location() (*time.Location, error) {
	tz := c.SchedulerSettings.Timezone
	if tz == "" || tz == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone '%s': %w", tz, err)
	}
	return loc, nil
}

// ReconnectDelay is the base reconnect delay.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.WebSocket.ReconnectDelayMs) * time.Millisecond
}

// AMQPURL builds the broker URL from the rabbitmq section.
func (c *Config) AMQPURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.RabbitMQ.Username, c.RabbitMQ.Password),
		Host:   fmt.Sprintf("%s:%d", c.RabbitMQ.Host, c.RabbitMQ.Port),
		Path:   "/" + strings.TrimPrefix(c.RabbitMQ.VirtualHost, "/"),
	}
	return u.String()
}

// GetConfigValue retrieves a configuration value using a dot-separated key.
// Each part matches a JSON tag or, case-insensitively, a field name.
func (c *Config) GetConfigValue(key string) (interface{}, error) {
	parts := strings.Split(key, ".")
	currentValue := reflect.ValueOf(c).Elem()

	for _, part := range parts {
		if currentValue.Kind() == reflect.Ptr {
			currentValue = currentValue.Elem()
		}

		if index, err := strconv.Atoi(part); err == nil {
			if currentValue.Kind() != reflect.Slice {
				return nil, fmt.Errorf("key part '%s' is an index but not a slice in key '%s'", part, key)
			}
			if index < 0 || index >= currentValue.Len() {
				return nil, fmt.Errorf("index out of range for key part '%s' in key '%s'", part, key)
			}
			currentValue = currentValue.Index(index)
			continue
		}

		if currentValue.Kind() != reflect.Struct {
			return nil, fmt.Errorf("key part '%s' is not a struct in key '%s'", part, key)
		}

		structType := currentValue.Type()
		field := currentValue.FieldByNameFunc(func(fieldName string) bool {
			structField, ok := structType.FieldByName(fieldName)
			if !ok {
				return false
			}
			if strings.Split(structField.Tag.Get("json"), ",")[0] == part {
				return true
			}
			return strings.EqualFold(fieldName, part)
		})

		if !field.IsValid() {
			return nil, fmt.Errorf("key part '%s' not found in key '%s'", part, key)
		}
		currentValue = field
	}
	if !currentValue.CanInterface() {
		return nil, fmt.Errorf("cannot get interface for key %s", key)
	}

	return currentValue.Interface(), nil
}

// GetLoggingConfig retrieves the logging configuration section
func (c *Config) GetLoggingConfig() Logging {
	return c.Logging
}

// GetRabbitMQConfig retrieves the RabbitMQ configuration section
func (c *Config) GetRabbitMQConfig() RabbitMQ {
	return c.RabbitMQ
}
