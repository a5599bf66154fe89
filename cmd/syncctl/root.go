package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Operator CLI for the courtsync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&g.addr, "addr", "localhost:8443", "gRPC server address")
	rootCmd.PersistentFlags().StringVar(&g.caPath, "cacert", "", "CA certificate (PEM)")
	rootCmd.PersistentFlags().BoolVar(&g.insecure, "insecure", false, "skip certificate verification (dev)")
	rootCmd.PersistentFlags().BoolVar(&g.plaintext, "plaintext", false, "connect without TLS (dev)")

	rootCmd.AddCommand(
		newVersionCommand(),
		newLoginCommand(),
		newTriggerCommand(g),
		newScheduleCommand(),
		newNormalizeCommand(),
	)
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "syncctl %s (%s)\n", version, buildDate)
			return nil
		},
	}
}
