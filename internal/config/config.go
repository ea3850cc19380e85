// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Database DatabaseConfig  `mapstructure:"database"`
	MQTT     MQTTConfig      `mapstructure:"mqtt"`
	Security SecurityConfig  `mapstructure:"security"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	Scanner  ScannerConfig   `mapstructure:"scanner"`
	Worker   WorkerConfig    `mapstructure:"worker"`
	Serial   SerialConfig    `mapstructure:"serial"`
	Registry []RegistryEntry `mapstructure:"registry"`
	App      AppConfig       `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// DatabaseConfig represents the optional event journal database
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	JournalMessages bool          `mapstructure:"journal_messages"`
	Retention       time.Duration `mapstructure:"retention"`
}

// MQTTConfig represents the optional MQTT event forwarder
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// ScannerConfig controls the serial port polling loop
type ScannerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// WorkerConfig controls per-device port workers
type WorkerConfig struct {
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	OverflowPolicy string        `mapstructure:"overflow_policy"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	MaxLineBytes   int           `mapstructure:"max_line_bytes"`
}

// SerialConfig represents default serial line settings
type SerialConfig struct {
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	StopBits    int           `mapstructure:"stop_bits"`
	Parity      string        `mapstructure:"parity"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// RegistryEntry is one known device fingerprint. Vendor and product IDs are
// strings so both "5824" and "0x16C0" are accepted.
type RegistryEntry struct {
	DeviceType string `mapstructure:"device_type"`
	VendorID   string `mapstructure:"vendor_id"`
	ProductID  string `mapstructure:"product_id"`
	BaudRate   int    `mapstructure:"baud_rate"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/lab-device-service")

	v.SetEnvPrefix("LAB_DEVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return decode(v)
}

// LoadFile loads configuration from an explicit path, skipping the search paths.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8085")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "lab_devices")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.journal_messages", false)
	v.SetDefault("database.retention", "720h")

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "lab-device-service")
	v.SetDefault("mqtt.topic_prefix", "lab/devices")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.connect_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Scanner defaults
	v.SetDefault("scanner.enabled", true)
	v.SetDefault("scanner.interval", "1s")

	// Worker defaults
	v.SetDefault("worker.queue_capacity", 4096)
	v.SetDefault("worker.overflow_policy", "drop-oldest")
	v.SetDefault("worker.poll_interval", "5ms")
	v.SetDefault("worker.stop_timeout", "2s")
	v.SetDefault("worker.max_line_bytes", 4096)

	// Serial defaults
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.poll_timeout", "10ms")

	// Registry defaults: RS lab peripherals
	v.SetDefault("registry", []map[string]interface{}{
		{"device_type": "VOG", "vendor_id": "0x16C0", "product_id": "0x0483", "baud_rate": 115200},
		{"device_type": "DRT", "vendor_id": "0x239A", "product_id": "0x801E", "baud_rate": 115200},
		{"device_type": "GPS", "vendor_id": "0x1546", "product_id": "0x01A7", "baud_rate": 9600},
	})

	// App defaults
	v.SetDefault("app.name", "lab-device-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Scanner.Interval <= 0 {
		return fmt.Errorf("scanner.interval must be positive, got %v", config.Scanner.Interval)
	}
	if config.Worker.QueueCapacity <= 0 {
		return fmt.Errorf("worker.queue_capacity must be positive, got %d", config.Worker.QueueCapacity)
	}
	if config.Worker.StopTimeout <= 0 {
		return fmt.Errorf("worker.stop_timeout must be positive, got %v", config.Worker.StopTimeout)
	}
	switch config.Worker.OverflowPolicy {
	case "drop-oldest", "reject-newest":
	default:
		return fmt.Errorf("worker.overflow_policy must be one of: drop-oldest, reject-newest")
	}
	if config.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive, got %d", config.Serial.BaudRate)
	}

	seen := make(map[[2]uint16]bool)
	for i, entry := range config.Registry {
		if entry.DeviceType == "" {
			return fmt.Errorf("registry[%d].device_type is required", i)
		}
		vid, err := ParseUSBID(entry.VendorID)
		if err != nil {
			return fmt.Errorf("registry[%d].vendor_id: %w", i, err)
		}
		pid, err := ParseUSBID(entry.ProductID)
		if err != nil {
			return fmt.Errorf("registry[%d].product_id: %w", i, err)
		}
		key := [2]uint16{vid, pid}
		if seen[key] {
			return fmt.Errorf("registry[%d]: duplicate vendor/product pair %04x:%04x", i, vid, pid)
		}
		seen[key] = true
	}

	if config.Database.Enabled && config.Database.Host == "" {
		return fmt.Errorf("database.host is required when the database is enabled")
	}
	if config.MQTT.Enabled && config.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// ParseUSBID parses a vendor/product ID written as decimal ("5824") or hex ("0x16C0").
func ParseUSBID(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty id")
	}
	digits, base := s, 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits, base = s[2:], 16
	}
	n, err := strconv.ParseUint(digits, base, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return uint16(n), nil
}

// DSN returns the lib/pq connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == "development"
}
