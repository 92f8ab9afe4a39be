package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentrun/contextd/pkg/types"
	"github.com/spf13/cobra"
)

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Apply a patch to a run's working set",
	RunE:  runPatch,
}

func init() {
	patchCmd.Flags().String("run-id", "", "Run id (required)")
	patchCmd.Flags().StringP("file", "f", "", "JSON patch file (reads stdin if omitted)")
	_ = patchCmd.MarkFlagRequired("run-id")
}

func runPatch(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return fmt.Errorf("patch: %w", err)
	}
	defer svc.Close()

	runID, _ := cmd.Flags().GetString("run-id")
	file, _ := cmd.Flags().GetString("file")

	var data []byte
	if file != "" {
		data, err = os.ReadFile(file)
	} else {
		data, err = os.ReadFile("/dev/stdin")
	}
	if err != nil {
		return fmt.Errorf("patch: read input: %w", err)
	}

	var patch types.PatchSet
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("patch: parse patch: %w", err)
	}

	result, err := svc.ApplyPatch(runID, patch)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"ok": true, "ws": result.WS, "context_brief": result.ContextBrief})
}
