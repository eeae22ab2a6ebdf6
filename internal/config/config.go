// Package config loads the server's runtime configuration through viper:
// an optional YAML file layered under LORA_-prefixed environment overrides,
// validated into a typed Config before anything else starts.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// MQTTConfig configures a paho.mqtt.golang client.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
}

// TopicConfig names the Event Bus topics a published/consumed uplink and
// downlink flow through.
type TopicConfig struct {
	Event string `mapstructure:"event"`
	Down  string `mapstructure:"down"`
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxOpenConn int    `mapstructure:"max_open_conn"`
}

// RedisConfig configures the Device-State Store's backing Redis client.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig configures the Event Bus producer/consumer.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// LoRaWANConfig configures the Semtech UDP gateway listener.
type LoRaWANConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	NetID   uint32 `mapstructure:"net_id"`
	Region  string `mapstructure:"region"`
}

// Config is the fully resolved, validated server configuration.
type Config struct {
	LoRaWAN  LoRaWANConfig  `mapstructure:"lorawan"`
	Topic    TopicConfig    `mapstructure:"topic"`
	SnapMQTT MQTTConfig     `mapstructure:"snap_mqtt"`
	Database DatabaseConfig `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	LogLevel string         `mapstructure:"log"`
}

// Load reads configFile (if non-empty) and layers LORA_-prefixed environment
// variables over it, returning a validated Config. LORA_A_B overrides key
// "a.b" only when that key has a default or appears in the file; an
// environment variable alone does not supply a key that neither provides.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "config: read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lorawan.host", "0.0.0.0")
	v.SetDefault("lorawan.port", 1700)
	v.SetDefault("lorawan.region", "EU868")
	v.SetDefault("topic.event", "device.topic.event")
	v.SetDefault("topic.down", "device.topic.down")
	v.SetDefault("db.max_open_conn", 10)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.group_id", "lora-server")
	v.SetDefault("log", "info")
}

func (c *Config) validate() error {
	if c.LoRaWAN.Port <= 0 {
		return errors.New("config: lorawan.port must be positive")
	}
	if c.Database.DSN == "" {
		return errors.New("config: db.dsn is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("config: kafka.brokers is required")
	}
	if c.SnapMQTT.Broker == "" {
		return errors.New("config: snap_mqtt.broker is required")
	}
	return nil
}
