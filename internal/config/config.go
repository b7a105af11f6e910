package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the channel engine.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Channel ChannelConfig `mapstructure:"channel"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
	NATS    NATSConfig    `mapstructure:"nats"`
}

// ServerConfig contains process-wide port range and bind settings.
type ServerConfig struct {
	BindHost     string        `mapstructure:"bind_host"`
	PortRangeMin uint16        `mapstructure:"port_range_min"`
	PortRangeMax uint16        `mapstructure:"port_range_max"`
	AcceptDelay  time.Duration `mapstructure:"accept_delay"`
}

// ChannelConfig controls default channel creation preferences.
type ChannelConfig struct {
	DeleteClientWhenClosed bool          `mapstructure:"delete_client_when_closed"`
	Concurrent             bool          `mapstructure:"concurrent"`
	ReadTimeout            time.Duration `mapstructure:"read_timeout"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	MaxDatagramSize        int           `mapstructure:"max_datagram_size"`
}

// MetricsConfig controls the Prometheus/diagnostics HTTP side-channel.
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ListenAddr  string `mapstructure:"listen_addr"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// NATSConfig controls the optional background relay.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.bind_host", "127.0.0.1")
	v.SetDefault("server.port_range_min", 20000)
	v.SetDefault("server.port_range_max", 65535)
	v.SetDefault("server.accept_delay", 50*time.Millisecond)

	v.SetDefault("channel.delete_client_when_closed", true)
	v.SetDefault("channel.concurrent", false)
	v.SetDefault("channel.read_timeout", 50*time.Millisecond)
	v.SetDefault("channel.poll_interval", 10*time.Millisecond)
	v.SetDefault("channel.max_datagram_size", 65535)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.service_name", "channeld")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "channeld.relay")

	v.SetConfigName("channeld")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("CHANNELD")
	v.AutomaticEnv()

	// Attempt to read config file (optional).
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Server.PortRangeMax < cfg.Server.PortRangeMin {
		return Config{}, fmt.Errorf("config: port_range_max (%d) below port_range_min (%d)",
			cfg.Server.PortRangeMax, cfg.Server.PortRangeMin)
	}

	return cfg, nil
}
