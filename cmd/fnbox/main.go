package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fentz26/fnbox/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fnbox",
	Short: "fnbox - function registry and execution daemon",
	Long: `fnbox registers self-contained function bundles and runs them on uploaded
files, returning the files they produce.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	apiToken   string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "API server address (default from login, then http://"+config.DefaultListen+")")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "Bearer token (default from login)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to daemon config file (.yaml or .toml)")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(functionCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(loginCmd, logoutCmd, statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func defaultConfigPath() string {
	return filepath.Join(config.DefaultDataDir(), "config.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
