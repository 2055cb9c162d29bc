package tao

import "time"

// =====================================
// Configuration
// =====================================

// Config carries database connection configuration for driver factories.
type Config struct {
	// Connection details
	Driver        string `json:"driver" yaml:"driver"`
	ConnectionURL string `json:"connection_url" yaml:"connection_url"`
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	Database      string `json:"database" yaml:"database"`
	Username      string `json:"username" yaml:"username"`
	Password      string `json:"password" yaml:"password"`

	// Connection pool settings
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`

	// Driver-specific options, e.g. Options["bun"]["log_level"]
	Options map[string]interface{} `json:"options" yaml:"options"`

	// Page-size tunables for this store. Nil selects the process-wide
	// DefaultTunables instance.
	Tunables *Tunables `json:"-" yaml:"-"`
}

// PageTunables returns the tunables instance this configuration selects.
func (c Config) PageTunables() *Tunables {
	if c.Tunables != nil {
		return c.Tunables
	}
	return DefaultTunables
}

// Driver name constants
const (
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverMySQL     = "mysql"
	DriverSQLServer = "sqlserver"
)
