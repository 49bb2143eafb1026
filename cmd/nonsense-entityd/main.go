//go:build linux

// Command nonsense-entityd is the per-entity helper. The daemon starts it
// with a private bus socket as stdin and the entity name as its argument;
// it builds the entity's namespace and links on request and tears them down
// on Shutdown.
package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/nonsense/internal/config"
	"github.com/seantiz/nonsense/internal/helper"
)

type options struct {
	LogLevel string `long:"log-level" default:"info" description:"log level"`
	Args     struct {
		Entity string `positional-arg-name:"entity" required:"yes"`
	} `positional-args:"yes"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(2)
	}

	logger := config.NewHelperLogger(os.Stderr, config.ParseLogLevel(opts.LogLevel))
	log := logrus.NewEntry(logger)

	agent := helper.NewAgent(opts.Args.Entity, helper.NetlinkOps{}, log)
	log.WithField("entity", opts.Args.Entity).Debug("serving")

	if err := agent.Serve(os.Stdin); err != nil {
		log.WithError(err).Error("serve")
		os.Exit(1)
	}
}
