package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Connection ConnectionConfig `mapstructure:"connection"`
	LogLevel   string           `mapstructure:"log_level"`
	JWTSecret  string           `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StorageConfig selects the relational dialect and connection details.
type StorageConfig struct {
	Dialect  string `mapstructure:"dialect"` // postgres, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

// ConnectionConfig holds client connection behavior.
type ConnectionConfig struct {
	AutoConnect    bool `mapstructure:"auto_connect"`
	AutoReconnect  bool `mapstructure:"auto_reconnect"`
	ReplyTimeoutMs int  `mapstructure:"reply_timeout_ms"`
}

// DSN returns the dialect-specific data source name.
func (s StorageConfig) DSN() string {
	if s.Dialect == "sqlite" {
		return s.Path + "/" + s.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		s.User, s.Password, s.Host, s.Port, s.Name)
}

// IsSQLite returns true if the dialect is sqlite.
func (s StorageConfig) IsSQLite() bool {
	return s.Dialect == "sqlite"
}

func Load() (*Config, error) {
	viper.SetConfigName("syncwire")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("storage.dialect", "postgres")
	viper.SetDefault("storage.host", "localhost")
	viper.SetDefault("storage.port", 5432)
	viper.SetDefault("storage.pool_size", 10)
	viper.SetDefault("storage.path", "./data")
	viper.SetDefault("connection.auto_connect", true)
	viper.SetDefault("connection.auto_reconnect", true)
	viper.SetDefault("connection.reply_timeout_ms", 5000)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("jwt_secret", "changeme-secret")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env cover the common case.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
