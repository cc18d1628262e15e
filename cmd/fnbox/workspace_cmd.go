package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/fnbox/internal/config"
	"github.com/fentz26/fnbox/internal/dispatch"
	"github.com/spf13/cobra"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Inspect workspaces retained by failed invocations",
	Long: `Works directly on the workspace root named by the daemon config. The daemon
sweeps retained workspaces on its own; these commands are for inspection
and for cleaning up while it is stopped.`,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained workspaces, oldest first",
	RunE:  runWorkspaceList,
}

var workspaceSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove retained workspaces past the retention limits",
	RunE:  runWorkspaceSweep,
}

var (
	sweepMaxAge time.Duration
	sweepMax    int
)

func init() {
	workspaceCmd.AddCommand(workspaceListCmd, workspaceSweepCmd)

	workspaceSweepCmd.Flags().DurationVar(&sweepMaxAge, "max-age", 0, "Remove workspaces older than this (default from config)")
	workspaceSweepCmd.Flags().IntVar(&sweepMax, "max", -1, "Keep at most this many (default from config)")
}

func openWorkspaces() (*config.Config, *dispatch.Workspaces, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	ws, err := dispatch.NewWorkspaces(cfg.WorkspaceRoot)
	if err != nil {
		return nil, nil, err
	}
	return cfg, ws, nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	_, ws, err := openWorkspaces()
	if err != nil {
		return err
	}
	retained, err := ws.Retained()
	if err != nil {
		return err
	}
	if len(retained) == 0 {
		fmt.Println("No retained workspaces")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRETAINED\tPATH")
	for _, r := range retained {
		fmt.Fprintf(w, "%s\t%s\t%s\n", truncateID(r.ID), r.RetainedAt.Format("2006-01-02 15:04:05"), r.Dir)
	}
	w.Flush()
	return nil
}

func runWorkspaceSweep(cmd *cobra.Command, args []string) error {
	cfg, ws, err := openWorkspaces()
	if err != nil {
		return err
	}
	retention := cfg.Retention
	if sweepMaxAge > 0 {
		retention.MaxAge = sweepMaxAge
	}
	if sweepMax >= 0 {
		retention.MaxFailed = sweepMax
	}

	removed, err := ws.Sweep(time.Now(), retention.MaxAge, retention.MaxFailed)
	for _, r := range removed {
		fmt.Printf("Removed %s\n", r.Dir)
	}
	fmt.Printf("%d workspace(s) removed\n", len(removed))
	return err
}
