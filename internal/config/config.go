package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/utils"
)

const (
	StorageFile  = "file"
	StorageMongo = "mongo"
)

type MongoConfig struct {
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	Collection         string `json:"collection"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
}

type StorageConfig struct {
	Driver   string      `json:"driver"`
	FilePath string      `json:"file_path"`
	Mongo    MongoConfig `json:"mongo"`
}

type DeliveryConfig struct {
	BaseDelay  string `json:"base_delay"`
	MaxRetries int    `json:"max_retries"`
	Workers    int    `json:"workers"`
	QueueSize  int    `json:"queue_size"`
}

type GatewayConfig struct {
	Path           string   `json:"path"`
	MaxConnections int      `json:"max_connections"`
	ReadTimeout    string   `json:"read_timeout"`
	WriteTimeout   string   `json:"write_timeout"`
	PingInterval   string   `json:"ping_interval"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type EventsConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type Config struct {
	AppName         string         `json:"app_name"`
	AppPort         int            `json:"app_port"`
	DebugMode       bool           `json:"debug_mode"`
	LogDir          string         `json:"log_dir"`
	PublicBaseURL   string         `json:"public_base_url"`
	StaticDir       string         `json:"static_dir"`
	ShutdownTimeout string         `json:"shutdown_timeout"`
	Storage         StorageConfig  `json:"storage"`
	Delivery        DeliveryConfig `json:"delivery"`
	Gateway         GatewayConfig  `json:"gateway"`
	Events          EventsConfig   `json:"events"`
}

var ErrInvalidConfig = errors.New("invalid configuration")

// Default returns the configuration written to disk when no file exists yet.
func Default() Config {
	return Config{
		AppName:         "life-stream-shortener",
		AppPort:         3000,
		LogDir:          "logs",
		ShutdownTimeout: "10s",
		Storage: StorageConfig{
			Driver:   StorageFile,
			FilePath: "url-mappings.json",
			Mongo: MongoConfig{
				Host:               "127.0.0.1",
				Port:               27017,
				Database:           "shortener",
				Collection:         "short_urls",
				ConnectTimeout:     "10s",
				SocketTimeout:      "30s",
				ConnectIdleTimeout: "5m",
				OperationTimeout:   "5s",
				Heartbeat:          "10s",
				MinPoolSize:        1,
				MaxPoolSize:        20,
			},
		},
		Delivery: DeliveryConfig{
			BaseDelay:  "5s",
			MaxRetries: 3,
			Workers:    4,
			QueueSize:  1024,
		},
		Gateway: GatewayConfig{
			Path:           "/ws",
			MaxConnections: 10000,
			ReadTimeout:    "60s",
			WriteTimeout:   "10s",
			PingInterval:   "30s",
		},
		Events: EventsConfig{
			Topic: "link-events",
		},
	}
}

// Load reads the JSON configuration at path. A missing file is created with
// the defaults and loading continues with them. Environment variables (and a
// .env file, when present) override file values.
func Load(path string) (*Config, error) {
	config := Default()

	bytes, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		data, _ := json.MarshalIndent(config, "", "\t")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("the configuration file does not exist and could not be created: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("error occured while reading configuration file: %w", err)
	default:
		if err := json.Unmarshal(bytes, &config); err != nil {
			return nil, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
		}
	}

	_ = godotenv.Load()
	applyEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyEnv(config *Config) {
	if value := os.Getenv("PORT"); value != "" {
		if port, err := strconv.Atoi(value); err == nil {
			config.AppPort = port
		}
	}
	if value := os.Getenv("DEBUG_MODE"); value != "" {
		if debug, err := strconv.ParseBool(value); err == nil {
			config.DebugMode = debug
		}
	}
	if value := os.Getenv("PUBLIC_BASE_URL"); value != "" {
		config.PublicBaseURL = value
	}
	if value := os.Getenv("STORAGE_DRIVER"); value != "" {
		config.Storage.Driver = strings.ToLower(value)
	}
	if value := os.Getenv("KAFKA_BROKERS"); value != "" {
		config.Events.Brokers = parseBrokers(value)
	}
}

func parseBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	result := make([]string, 0, len(parts))
	for _, broker := range parts {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func (c *Config) Validate() error {
	if c.AppPort <= 0 || c.AppPort > 65535 {
		return fmt.Errorf("%w: app_port %d out of range", ErrInvalidConfig, c.AppPort)
	}
	if c.Storage.Driver != StorageFile && c.Storage.Driver != StorageMongo {
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if c.Storage.Driver == StorageFile && c.Storage.FilePath == "" {
		return fmt.Errorf("%w: storage.file_path is required", ErrInvalidConfig)
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("%w: delivery.max_retries must not be negative", ErrInvalidConfig)
	}
	if c.Delivery.Workers <= 0 {
		return fmt.Errorf("%w: delivery.workers must be positive", ErrInvalidConfig)
	}
	for name, value := range map[string]string{
		"delivery.base_delay":   c.Delivery.BaseDelay,
		"gateway.read_timeout":  c.Gateway.ReadTimeout,
		"gateway.write_timeout": c.Gateway.WriteTimeout,
		"gateway.ping_interval": c.Gateway.PingInterval,
		"shutdown_timeout":      c.ShutdownTimeout,
	} {
		d, err := utils.ParseStringTime(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	return nil
}

// Duration parses one of the validated duration fields. Invalid values fall
// back to zero, which Validate already rules out for loaded configs.
func Duration(value string) time.Duration {
	d, _ := utils.ParseStringTime(value)
	return d
}
