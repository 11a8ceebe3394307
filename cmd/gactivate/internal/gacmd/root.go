// Package gacmd contains the cobra commands for the gactivate binary.
package gacmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd returns the root gactivate command.
func NewRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "gactivate",
		Short: "Cluster state version activation tools",

		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")

	root.AddCommand(
		newSimCmd(func() (*slog.Logger, error) {
			var lvl slog.Level
			if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
				return nil, err
			}
			return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
		}),
	)

	return root
}
