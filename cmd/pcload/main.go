// Command pcload loads point clouds and serves loader status.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pointcloud/internal/config"
	"github.com/banshee-data/pointcloud/internal/monitoring"
	"github.com/banshee-data/pointcloud/internal/version"
)

var (
	configPath string
	quiet      bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pcload",
		Short: "Load, normalize and inspect point clouds",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if quiet {
				monitoring.SetLogger(nil)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "loader config file (.json, .yaml, .yml)")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress diagnostic logging")

	root.AddCommand(newLoadCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newJournalCommand())
	root.AddCommand(versionCmd())
	return root
}

func loadConfig() (*config.LoaderConfig, error) {
	if configPath == "" {
		return config.EmptyLoaderConfig(), nil
	}
	return config.LoadLoaderConfig(configPath)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
