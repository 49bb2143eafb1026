// Command nonsensectl asks the namespace engine daemon to start, stop and
// list entities over the system bus.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/seantiz/nonsense/internal/bus"
)

// controller is the part of the daemon's bus object the commands use.
type controller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

type rootOptions struct {
	busName string
	connect func(busName string) (controller, func(), error)
}

func connectSystem(busName string) (controller, func(), error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, nil, fmt.Errorf("connect system bus: %w", err)
	}
	obj := conn.Object(busName, dbus.ObjectPath(bus.Controller.Path))
	return obj, func() { conn.Close() }, nil
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nonsensectl",
		Short:         "Control namespace engine entities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.busName, "bus-name", bus.Controller.Service, "well-known name of the daemon")

	cmd.AddCommand(
		newTransitionCommand(opts, "start", "Start an entity and its uplinks"),
		newTransitionCommand(opts, "stop", "Stop an entity"),
		newListCommand(opts),
	)
	return cmd
}

func newTransitionCommand(opts *rootOptions, use, short string) *cobra.Command {
	method := bus.Controller.Interface + "." + map[string]string{"start": "Start", "stop": "Stop"}[use]
	return &cobra.Command{
		Use:   use + " <entity>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, closeFn, err := opts.connect(opts.busName)
			if err != nil {
				return err
			}
			defer closeFn()
			return describe(obj.Call(method, 0, args[0]).Err)
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, closeFn, err := opts.connect(opts.busName)
			if err != nil {
				return err
			}
			defer closeFn()

			var names []string
			if err := obj.Call(bus.Controller.Interface+".List", 0).Store(&names); err != nil {
				return describe(err)
			}
			printNames(cmd.OutOrStdout(), names)
			return nil
		},
	}
}

func printNames(w io.Writer, names []string) {
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
}

// describe renders a bus error as "<message> (<name>)".
func describe(err error) error {
	if err == nil {
		return nil
	}
	var derr dbus.Error
	if errors.As(err, &derr) {
		return fmt.Errorf("%s (%s)", derr.Error(), derr.Name)
	}
	return err
}

func main() {
	cmd := newRootCommand(&rootOptions{connect: connectSystem})
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nonsensectl: %v\n", err)
		os.Exit(1)
	}
}
