package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"atomintents/services/settlementd/config"
	"atomintents/services/settlementd/storage"
)

const envPrefix = "SETTLEMENTCTL"

// storeOpener connects to the settlement store. The returned func releases it.
type storeOpener func(db config.DatabaseConfig) (storage.Store, func() error, error)

type cli struct {
	v     *viper.Viper
	open  storeOpener
	store storage.Store
	close func() error
	now   func() time.Time
}

func newRootCmd(open storeOpener) *cobra.Command {
	c := &cli{v: viper.New(), open: open, now: time.Now}

	root := &cobra.Command{
		Use:           "settlementctl",
		Short:         "Inspect settlementd settlements",
		Long:          "settlementctl reads the settlementd store to find stuck settlements, show their history and suggest recovery actions.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.connect()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if c.close == nil {
				return nil
			}
			return c.close()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "settlementd configuration file supplying database defaults")
	flags.String("driver", "", "store driver (sqlite or postgres)")
	flags.String("path", "", "sqlite database path")
	flags.String("dsn", "", "postgres connection string")
	flags.StringP("output", "o", "table", "output format (table or json)")
	flags.Duration("stuck-threshold", time.Hour, "age after which a non-terminal settlement counts as stuck")

	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	_ = c.v.BindPFlags(flags)

	root.AddCommand(
		c.stuckCmd(),
		c.showCmd(),
		c.historyCmd(),
		c.listCmd(),
	)
	return root
}

// database resolves the store settings. Flags and SETTLEMENTCTL_* variables
// override the settlementd configuration file.
func (c *cli) database() (config.DatabaseConfig, error) {
	db := config.Default().Database
	if path := c.v.GetString("config"); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return db, err
		}
		db = cfg.Database
	}
	if driver := c.v.GetString("driver"); driver != "" {
		db.Driver = driver
	}
	if path := c.v.GetString("path"); path != "" {
		db.Path = path
	}
	if dsn := c.v.GetString("dsn"); dsn != "" {
		db.DSN = dsn
	}
	switch db.Driver {
	case config.DriverSQLite, config.DriverPostgres:
	case config.DriverMemory:
		return db, fmt.Errorf("the memory driver has no durable state to inspect")
	default:
		return db, fmt.Errorf("unsupported driver %q", db.Driver)
	}
	return db, nil
}

func (c *cli) connect() error {
	if c.store != nil {
		return nil
	}
	db, err := c.database()
	if err != nil {
		return err
	}
	store, closeFn, err := c.open(db)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	c.store = store
	c.close = closeFn
	return nil
}

func (c *cli) json() bool {
	return strings.EqualFold(c.v.GetString("output"), "json")
}

func openStore(db config.DatabaseConfig) (storage.Store, func() error, error) {
	dsn := db.DSN
	if db.Driver == config.DriverSQLite {
		resolved, err := storage.FileDSN(db.Path)
		if err != nil {
			return nil, nil, err
		}
		dsn = resolved
	}
	gdb, err := storage.Open(db.Driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewSQLStore(gdb)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}
