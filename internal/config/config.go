package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config is the collector configuration, read from the environment.
type Config struct {
	ServiceEnvironment           string `envconfig:"SERVICE_ENVIRONMENT" default:"development"`
	ListenAddress                string `envconfig:"LISTEN_ADDRESS" default:"127.0.0.1:8123"`
	DatabasePath                 string `envconfig:"DATABASE_PATH"`
	MaxRequestBytes              int64  `envconfig:"MAX_REQUEST_BYTES" default:"1048576"`
	MaxPayloadBytes              int64  `envconfig:"MAX_PAYLOAD_BYTES" default:"20971520"`
	ClickHouseHost               string `envconfig:"CLICKHOUSE_HOST"`
	ClickHousePort               string `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	ClickHouseDB                 string `envconfig:"CLICKHOUSE_DB" default:"default"`
	ClickHouseUser               string `envconfig:"CLICKHOUSE_USER" default:"default"`
	ClickHousePassword           string `envconfig:"CLICKHOUSE_PASSWORD" default:""`
	ClickHouseUseTLS             bool   `envconfig:"CLICKHOUSE_USE_TLS" default:"false"`
	ClickHouseMaxOpenConns       int    `envconfig:"CLICKHOUSE_MAX_OPEN_CONNS" default:"5"`
	ClickHouseMaxIdleConns       int    `envconfig:"CLICKHOUSE_MAX_IDLE_CONNS" default:"2"`
	ClickHouseConnMaxLifetimeSec int    `envconfig:"CLICKHOUSE_CONN_MAX_LIFETIME_SEC" default:"3600"`
}

// ClickHouse is the optional analytics sink connection. The sink is
// disabled when Host is empty.
type ClickHouse struct {
	Host            string
	Port            string
	Database        string
	User            string
	Password        string
	UseTLS          bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int
}

func (c ClickHouse) Enabled() bool {
	return c.Host != ""
}

func (c *Config) ClickHouse() *ClickHouse {
	return &ClickHouse{
		Host:            c.ClickHouseHost,
		Port:            c.ClickHousePort,
		Database:        c.ClickHouseDB,
		User:            c.ClickHouseUser,
		Password:        c.ClickHousePassword,
		UseTLS:          c.ClickHouseUseTLS,
		MaxOpenConns:    c.ClickHouseMaxOpenConns,
		MaxIdleConns:    c.ClickHouseMaxIdleConns,
		ConnMaxLifetime: c.ClickHouseConnMaxLifetimeSec,
	}
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if cfg.MaxRequestBytes <= 0 {
		return nil, fmt.Errorf("MAX_REQUEST_BYTES must be positive, got %d", cfg.MaxRequestBytes)
	}

	return &cfg, nil
}
