package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke [function-id]",
	Short: "Run a function on local files",
	Long: `Uploads one file per declared input, in slot order, and saves the result
(a single output file or outputs.zip) to the output directory.`,
	Example: `  fnbox invoke calc_md5 --input a.txt --input b.txt --out ./results`,
	Args:    cobra.ExactArgs(1),
	RunE:    runInvoke,
}

var (
	invokeInputs []string
	invokeOutDir string
)

func init() {
	invokeCmd.Flags().StringArrayVarP(&invokeInputs, "input", "i", nil, "Input file, repeat once per input slot in order")
	invokeCmd.Flags().StringVarP(&invokeOutDir, "out", "o", ".", "Directory to save the result into")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	functionID := args[0]

	files := make([]formFile, len(invokeInputs))
	for i, path := range invokeInputs {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		files[i] = formFile{Field: fmt.Sprintf("input_%d", i), Path: path}
	}

	resp, body, err := apiPostMultipart(invokeClient, "/functions/"+functionID+"/invoke", nil, files)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(invokeOutDir, 0o755); err != nil {
		return err
	}
	name := attachmentName(resp.Header.Get("Content-Disposition"), functionID+".out")
	dest := filepath.Join(invokeOutDir, name)
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return err
	}

	fmt.Printf("Saved %s (%d bytes", dest, len(body))
	if ms := resp.Header.Get("X-Fnbox-Duration-Ms"); ms != "" {
		fmt.Printf(", %sms", ms)
	}
	fmt.Println(")")
	return nil
}
