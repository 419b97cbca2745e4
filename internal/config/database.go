package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// DatabaseConfig describes the root store and how tenant databases are reached.
// Tenant databases live on the same server as the root store and differ only by name.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, mysql, sqlite
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"` // root database
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"` // sqlite file for the root store
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// DSN returns the connection string for the root database.
func (c *DatabaseConfig) DSN() string {
	return c.DSNFor(c.Name)
}

// DSNFor returns the connection string for the named database on the configured server.
// For sqlite, name selects a sibling file next to Path (the root store keeps Path itself).
func (c *DatabaseConfig) DSNFor(name string) string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, name, c.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, url.QueryEscape(c.Password), c.Host, c.Port, name)
	default:
		if name == c.Name || name == "" {
			return c.Path
		}
		return filepath.Join(filepath.Dir(c.Path), name+".db")
	}
}
