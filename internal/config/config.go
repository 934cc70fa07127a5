package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	JWT      JWTConfig      `yaml:"jwt"`
	Admins   []AdminConfig  `yaml:"admins"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// BrokerConfig 设备 broker 配置
type BrokerConfig struct {
	Name         string        `yaml:"name"`
	Port         int           `yaml:"port"`
	TickInterval time.Duration `yaml:"tick_interval"`
	InboxSize    int           `yaml:"inbox_size"`
	DevicesDir   string        `yaml:"devices_dir"`
	SignalsFile  string        `yaml:"signals_file"`
	StateQueue   int           `yaml:"state_queue"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxLiveClients int    `yaml:"max_live_clients"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
}

// MQTTConfig 事件转发的 MQTT 目标
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// WebhookConfig 事件转发的 HTTP 目标
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// AdminConfig 管理 API 用户，密码为 bcrypt 哈希
type AdminConfig struct {
	Email        string `yaml:"email" validate:"required,email"`
	PasswordHash string `yaml:"password_hash" validate:"required"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults
const (
	DefaultBrokerPort   = 8989
	DefaultTickInterval = 10 * time.Millisecond
	DefaultInboxSize    = 256
	DefaultStateQueue   = 128
	DefaultAPIPort      = 8080
	DefaultLiveClients  = 16
)

// Log formats
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

var (
	ErrInvalidPort = errors.New("invalid port")
	ErrNoJWTSecret = errors.New("jwt secret is required when admins are configured")
)

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if mqttBroker := os.Getenv("MQTT_BROKER"); mqttBroker != "" {
		c.MQTT.Broker = mqttBroker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if port := os.Getenv("DCCLITE_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			log.Warn().Str("DCCLITE_PORT", port).Msg("ignoring non-numeric port override")
		} else {
			c.Broker.Port = p
		}
	}
}

// setDefaults 填充未配置的字段
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "dcclite-broker"
	}
	if c.Broker.Name == "" {
		c.Broker.Name = c.Server.Name
	}
	if c.Broker.Port == 0 {
		c.Broker.Port = DefaultBrokerPort
	}
	if c.Broker.TickInterval == 0 {
		c.Broker.TickInterval = DefaultTickInterval
	}
	if c.Broker.InboxSize == 0 {
		c.Broker.InboxSize = DefaultInboxSize
	}
	if c.Broker.StateQueue == 0 {
		c.Broker.StateQueue = DefaultStateQueue
	}
	if c.Broker.DevicesDir == "" {
		c.Broker.DevicesDir = "devices"
	}

	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
	if c.API.MaxLiveClients == 0 {
		c.API.MaxLiveClients = DefaultLiveClients
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "dcclite"
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "dcclite"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Server.Name + "-forwarder"
	}

	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 10 * time.Second
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	if c.NATS.ClientID == "" {
		c.NATS.ClientID = c.Server.Name
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = LogFormatConsole
	}
}

// Validate 检查配置的一致性
func (c *Config) Validate() error {
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker: %w: %d", ErrInvalidPort, c.Broker.Port)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api: %w: %d", ErrInvalidPort, c.API.Port)
	}
	if c.Broker.TickInterval < time.Millisecond {
		return fmt.Errorf("broker: tick_interval %s is below 1ms", c.Broker.TickInterval)
	}
	if c.Log.Format != LogFormatConsole && c.Log.Format != LogFormatJSON {
		return fmt.Errorf("log: format %q is not %s or %s", c.Log.Format, LogFormatConsole, LogFormatJSON)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt: qos %d out of range 0..2", c.MQTT.QoS)
	}
	if len(c.Admins) > 0 && c.JWT.Secret == "" {
		return ErrNoJWTSecret
	}
	for i := range c.Admins {
		if err := validator.Validate(&c.Admins[i]); err != nil {
			return fmt.Errorf("admins[%d]: %w", i, err)
		}
	}
	return nil
}

// ConfigureLogger 按 log.format 设置全局日志输出，并应用日志级别
func (c *Config) ConfigureLogger(w io.Writer) {
	if c.Log.Format == LogFormatJSON {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
	}
	zerolog.SetGlobalLevel(c.LogLevel())
}

// LogLevel 解析日志级别，无法识别时回退到 info
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== DccLite Broker Configuration ===\n")
	fmt.Printf("Server: %s v%s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("Broker: %s on UDP :%d (tick %s)\n", c.Broker.Name, c.Broker.Port, c.Broker.TickInterval)
	fmt.Printf("  Devices dir: %s\n", c.Broker.DevicesDir)
	if c.Broker.SignalsFile != "" {
		fmt.Printf("  Signals file: %s\n", c.Broker.SignalsFile)
	}
	fmt.Printf("API: %s:%d (%d admin users)\n", c.API.Host, c.API.Port, len(c.Admins))
	fmt.Printf("Database: %s\n", enabled(c.Database.DSN != ""))
	fmt.Printf("NATS: %s\n", orDisabled(c.NATS.URL))
	fmt.Printf("MQTT: %s\n", orDisabled(c.MQTT.Broker))
	fmt.Printf("Webhook: %s\n", orDisabled(c.Webhook.URL))
	fmt.Printf("Log level: %s\n", c.LogLevel())
	fmt.Printf("==========================================\n")
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func orDisabled(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}
