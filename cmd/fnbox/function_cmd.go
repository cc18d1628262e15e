package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/fnbox/internal/models"
	"github.com/spf13/cobra"
)

var functionCmd = &cobra.Command{
	Use:     "function",
	Aliases: []string{"fn"},
	Short:   "Manage registered functions",
}

var functionRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a function bundle",
	Long: `Uploads a zip bundle containing env/ (the interpreter environment) and
program/run.py (the entry script) and adds it to the catalog.`,
	RunE: runFunctionRegister,
}

var functionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered functions",
	RunE:  runFunctionList,
}

var functionShowCmd = &cobra.Command{
	Use:   "show [function-id]",
	Short: "Show function details",
	Args:  cobra.ExactArgs(1),
	RunE:  runFunctionShow,
}

var functionRunsCmd = &cobra.Command{
	Use:   "runs [function-id]",
	Short: "Show invocation history of a function",
	Args:  cobra.ExactArgs(1),
	RunE:  runFunctionRuns,
}

var (
	fnID          string
	fnName        string
	fnDesc        string
	fnInputs      string
	fnOutputs     string
	fnInputDescs  string
	fnOutputDescs string
	fnArchive     string
	runsLimit     int
)

func init() {
	functionCmd.AddCommand(functionRegisterCmd, functionListCmd, functionShowCmd, functionRunsCmd)

	f := functionRegisterCmd.Flags()
	f.StringVar(&fnID, "id", "", "Function id: letters, digits and underscores (required)")
	f.StringVar(&fnName, "name", "", "Display name (required)")
	f.StringVar(&fnDesc, "desc", "", "Description")
	f.StringVar(&fnInputs, "inputs", "", "Comma-separated input slot names (required)")
	f.StringVar(&fnOutputs, "outputs", "", "Comma-separated output slot names (required)")
	f.StringVar(&fnInputDescs, "input-desc", "", "Semicolon-separated input descriptions")
	f.StringVar(&fnOutputDescs, "output-desc", "", "Semicolon-separated output descriptions")
	f.StringVar(&fnArchive, "archive", "", "Path to the bundle zip (required)")
	for _, name := range []string{"id", "name", "inputs", "outputs", "archive"} {
		functionRegisterCmd.MarkFlagRequired(name)
	}

	functionRunsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of invocations to show")
}

func runFunctionRegister(cmd *cobra.Command, args []string) error {
	fields := map[string]string{
		"id":                      fnID,
		"name":                    fnName,
		"description":             fnDesc,
		"input_list":              fnInputs,
		"output_list":             fnOutputs,
		"input_list_description":  fnInputDescs,
		"output_list_description": fnOutputDescs,
	}

	_, body, err := apiPostMultipart(&http.Client{Timeout: uploadTimeout}, "/admin/functions", fields, []formFile{{Field: "zip_file", Path: fnArchive}})
	if err != nil {
		return err
	}

	var desc models.FunctionDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return err
	}
	fmt.Printf("Registered function: %s (%d inputs, %d outputs)\n", desc.ID, len(desc.Inputs), len(desc.Outputs))
	return nil
}

func runFunctionList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/functions")
	if err != nil {
		return err
	}

	var fns []models.FunctionDescriptor
	if err := json.Unmarshal(resp, &fns); err != nil {
		return err
	}

	if len(fns) == 0 {
		fmt.Println("No functions registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tINPUTS\tOUTPUTS")
	for _, fn := range fns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", fn.ID, truncate(fn.Name, 40), strings.Join(fn.Inputs, ","), strings.Join(fn.Outputs, ","))
	}
	w.Flush()
	return nil
}

func runFunctionShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/functions/" + args[0])
	if err != nil {
		return err
	}

	var fn models.FunctionDescriptor
	if err := json.Unmarshal(resp, &fn); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", fn.ID)
	fmt.Printf("Name:        %s\n", fn.Name)
	fmt.Printf("Description: %s\n", fn.Description)
	fmt.Println("Inputs:")
	for i, slot := range fn.Inputs {
		fmt.Printf("  input_%d  %-16s %s\n", i, slot, fn.InputLabel(i))
	}
	fmt.Println("Outputs:")
	for i, slot := range fn.Outputs {
		label := slot
		if i < len(fn.OutputDescriptions) && fn.OutputDescriptions[i] != "" {
			label = fn.OutputDescriptions[i]
		}
		fmt.Printf("  output_%d %-16s %s\n", i, slot, label)
	}
	return nil
}

func runFunctionRuns(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/functions/" + args[0] + "/invocations?limit=" + strconv.Itoa(runsLimit))
	if err != nil {
		return err
	}

	var invs []models.Invocation
	if err := json.Unmarshal(resp, &invs); err != nil {
		return err
	}

	if len(invs) == 0 {
		fmt.Println("No invocations found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tEXIT\tDURATION\tCALLER\tSTARTED")
	for _, inv := range invs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%dms\t%s\t%s\n",
			truncateID(inv.ID), inv.Status, inv.ExitCode, inv.DurationMS, inv.Caller, inv.StartedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()

	for _, inv := range invs {
		if inv.Workspace != "" {
			fmt.Printf("\n%s retained workspace: %s\n", truncateID(inv.ID), inv.Workspace)
		}
	}
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
