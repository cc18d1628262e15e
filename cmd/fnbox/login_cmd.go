package main

import (
	"fmt"
	"os"
	"runtime"
	"sort"

	"github.com/fentz26/fnbox/internal/auth"
	"github.com/fentz26/fnbox/internal/config"
	"github.com/fentz26/fnbox/internal/controlplane"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save the API address and token for later commands",
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget saved credentials",
	RunE:  runLogout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon health",
	RunE:  runStatus,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the daemon config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runConfigInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of fnbox",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fnbox version %s\n", controlplane.Version)
		fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Printf("  Go version: %s\n", runtime.Version())
	},
}

var configForce bool

func init() {
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
}

func runLogin(cmd *cobra.Command, args []string) error {
	if apiToken == "" {
		return fmt.Errorf("--token is required")
	}
	store, err := auth.NewCredentialStore("")
	if err != nil {
		return err
	}

	addr, _ := endpoint()
	health, err := CheckHealth()
	if err != nil {
		return fmt.Errorf("cannot reach %s: %w", addr, err)
	}
	if _, err := apiGet("/functions"); err != nil {
		return fmt.Errorf("token rejected: %w", err)
	}

	if err := store.Save(addr, apiToken); err != nil {
		return err
	}
	fmt.Printf("Logged in to %s (fnbox %s)\n", addr, health.Version)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	store, err := auth.NewCredentialStore("")
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health != nil {
		fmt.Printf("Version:   %s\n", health.Version)
		fmt.Printf("Database:  %s\n", health.DB)
		fmt.Printf("Functions: %d\n", health.Functions)
		fmt.Printf("Workers:   %d/%d busy, %d waiting (queue %d)\n",
			health.Pool.ActiveWorkers, health.Pool.Workers, health.Pool.Waiting, health.Pool.QueueSize)
		statuses := make([]string, 0, len(health.Invocations))
		for status := range health.Invocations {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)
		if len(statuses) > 0 {
			fmt.Println("Invocations:")
		}
		for _, status := range statuses {
			fmt.Printf("  %-10s %d\n", status+":", health.Invocations[status])
		}
	}
	return err
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}
	cfg := config.DefaultConfig()
	if err := config.Save(configPath, cfg); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", configPath)
	return nil
}
