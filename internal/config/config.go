// Package config loads forgebuildd's server configuration: listen
// address, store and messenger backend selection and DSNs, peer remote
// URLs, and the shutdown grace period. It binds spf13/cobra persistent
// flags into a spf13/viper instance the way the teacher's
// internal/cli/root.go and internal/cli/daemon.go bind theirs, with a
// FORGEBUILD-prefixed environment fallback in place of smidr's SMIDR
// prefix.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Store backend identifiers accepted by --store-driver.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Messenger backend identifiers accepted by --messenger-driver.
const (
	MessengerMemory = "memory"
	MessengerRedis  = "redis"
)

// Config is the complete configuration for one forgebuildd process.
type Config struct {
	ListenAddr      string
	StoreDriver     string
	StoreDSN        string
	MessengerDriver string
	MessengerDSN    string
	Remotes         []string
	ShutdownGrace   time.Duration
}

// BindFlags registers the daemon's persistent flags on cmd and binds each
// one into v, mirroring the teacher's rootCmd.PersistentFlags() +
// viper.BindPFlag pairing in internal/cli/root.go. Using PersistentFlags
// (rather than Flags) lets a subcommand such as forgebuildd's run-target
// share the same store/messenger configuration as the daemon itself.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("listen", ":8080", "address for the HTTP surface to listen on")
	flags.String("store-driver", StoreSQLite, "relational store backend: sqlite or postgres")
	flags.String("store-dsn", "forgebuild.db", "store connection string (sqlite file path, or a postgres DSN)")
	flags.String("messenger-driver", MessengerMemory, "pub/sub backend: memory or redis")
	flags.String("messenger-dsn", "", "messenger connection string (redis host:port); ignored for the memory driver")
	flags.StringSlice("remote", nil, "peer forgebuildd base URL, repeatable, consulted in order on a local miss")
	flags.Duration("shutdown-grace", 10*time.Second, "grace period given to live streams to end after shutdown begins")

	for _, name := range []string{"listen", "store-driver", "store-dsn", "messenger-driver", "messenger-dsn", "remote", "shutdown-grace"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	v.SetEnvPrefix("FORGEBUILD")
	v.AutomaticEnv()
}

// Load reads the bound flags and environment out of v into a Config and
// validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ListenAddr:      v.GetString("listen"),
		StoreDriver:     v.GetString("store-driver"),
		StoreDSN:        v.GetString("store-dsn"),
		MessengerDriver: v.GetString("messenger-driver"),
		MessengerDSN:    v.GetString("messenger-dsn"),
		Remotes:         v.GetStringSlice("remote"),
		ShutdownGrace:   v.GetDuration("shutdown-grace"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration names backends this binary
// actually implements and carries the minimum fields every deployment
// needs.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.StoreDriver {
	case StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("unknown store driver %q (want %q or %q)", c.StoreDriver, StoreSQLite, StorePostgres)
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("store DSN is required")
	}
	switch c.MessengerDriver {
	case MessengerMemory, MessengerRedis:
	default:
		return fmt.Errorf("unknown messenger driver %q (want %q or %q)", c.MessengerDriver, MessengerMemory, MessengerRedis)
	}
	if c.MessengerDriver == MessengerRedis && c.MessengerDSN == "" {
		return fmt.Errorf("messenger DSN is required for the redis driver")
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown grace period must be positive")
	}
	return nil
}
