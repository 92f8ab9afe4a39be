package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentrun/contextd/pkg/types"
	"github.com/spf13/cobra"
)

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Propose memory change requests",
	RunE:  runPropose,
}

func init() {
	proposeCmd.Flags().String("run-id", "", "Run id (required)")
	proposeCmd.Flags().StringP("file", "f", "", "JSON array of MCRs (reads stdin if omitted)")
	_ = proposeCmd.MarkFlagRequired("run-id")
}

func runPropose(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return fmt.Errorf("propose: %w", err)
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
		return fmt.Errorf("propose: read input: %w", err)
	}

	var mcrs []types.MemoryChangeRequest
	if err := json.Unmarshal(data, &mcrs); err != nil {
		return fmt.Errorf("propose: parse mcrs: %w", err)
	}

	batchID, ids, err := svc.ProposeMemory(runID, mcrs)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"batch_id": batchID, "proposed_ids": ids})
}
