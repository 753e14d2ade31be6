package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the exporter.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Polling  PollingConfig  `mapstructure:"polling"`
	Cloud    CloudConfig    `mapstructure:"cloud"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	ListenAddress  string  `mapstructure:"listen_address"`
	CacheSize      int     `mapstructure:"cache_size"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type ProtocolConfig struct {
	BroadcastAddress string        `mapstructure:"broadcast_address"`
	DiscoveryWindow  time.Duration `mapstructure:"discovery_window"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
}

type PollingConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	DiscoveryInterval    time.Duration `mapstructure:"discovery_interval"`
	Concurrency          int           `mapstructure:"concurrency"`
	RateLimit            float64       `mapstructure:"rate_limit"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	UnreachableThreshold int           `mapstructure:"unreachable_threshold"`
	StaleAfter           time.Duration `mapstructure:"stale_after"`
	RemoveAfterScans     int           `mapstructure:"remove_after_scans"`
}

type CloudConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	AppType  string `mapstructure:"app_type"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Enabled reports whether the cloud directory should be used at all.
func (c CloudConfig) Enabled() bool {
	return c.Username != "" && c.Password != ""
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. The file
// is round-tripped through YAML so $VAR references anywhere in it expand
// from the environment before unmarshaling.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// First unmarshal into a map to handle type conversions
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw config: %w", err)
	}

	// Convert the map to YAML again
	data, err = yaml.Marshal(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw config: %w", err)
	}

	// Expand environment variables
	expandedData := os.ExpandEnv(string(data))

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadConfig(strings.NewReader(expandedData)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", "0.0.0.0:9155")
	v.SetDefault("server.cache_size", 128)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)

	v.SetDefault("protocol.broadcast_address", "255.255.255.255:9999")
	v.SetDefault("protocol.discovery_window", "2s")
	v.SetDefault("protocol.connect_timeout", "3s")
	v.SetDefault("protocol.read_timeout", "3s")

	v.SetDefault("polling.interval", "30s")
	v.SetDefault("polling.discovery_interval", "5m")
	v.SetDefault("polling.concurrency", 8)
	v.SetDefault("polling.rate_limit", 64.0)
	v.SetDefault("polling.rate_limit_burst", 8)
	v.SetDefault("polling.unreachable_threshold", 3)
	v.SetDefault("polling.stale_after", "5m")
	v.SetDefault("polling.remove_after_scans", 3)

	v.SetDefault("cloud.endpoint", "https://wap.tplinkcloud.com/")
	v.SetDefault("cloud.app_type", "plugmon")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
