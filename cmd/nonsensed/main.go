// Command nonsensed is the namespace engine daemon. It owns the entity
// catalog, starts and stops entities on request over the system bus, and
// serves the admin API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/nonsense/internal/config"
)

// options holds flags that override the environment configuration.
type options struct {
	listenAddr string
	dbPath     string
	entities   string
	helperPath string
	busName    string
	logLevel   string
}

func newRootCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nonsensed",
		Short: "Run the namespace engine daemon",
		Long: `Run the namespace engine daemon.

The daemon loads entity definitions from its database, seeded from a YAML
file, and exports org.nonsense.Controller on the system bus. Every flag
overrides the matching NONSENSE_* environment variable.

Example:
  nonsensed --entities /etc/nonsense/entities.yaml --log-level debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg)
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listenAddr, "listen", "", "admin API listen address")
	f.StringVar(&opts.dbPath, "db", "", "path to the SQLite database")
	f.StringVar(&opts.entities, "entities", "", "YAML file seeding entity definitions")
	f.StringVar(&opts.helperPath, "helper", "", "path to the nonsense-entityd binary")
	f.StringVar(&opts.busName, "bus-name", "", "well-known name to claim on the system bus")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	return cmd
}

// apply copies the flags that were set onto cfg.
func (o *options) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.ListenAddr = o.listenAddr
	}
	if f.Changed("db") {
		cfg.DBPath = o.dbPath
	}
	if f.Changed("entities") {
		cfg.Entities = o.entities
	}
	if f.Changed("helper") {
		cfg.HelperPath = o.helperPath
	}
	if f.Changed("bus-name") {
		cfg.BusName = o.busName
	}
	if f.Changed("log-level") {
		cfg.LogLevel = config.ParseLogLevel(o.logLevel)
	}
}

func main() {
	if err := newRootCommand(&options{}).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "nonsensed: %v\n", err)
		os.Exit(1)
	}
}
