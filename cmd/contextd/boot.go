package main

import (
	"encoding/json"
	"fmt"

	"github.com/agentrun/contextd/pkg/service"
	"github.com/spf13/cobra"
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot a new run",
	RunE:  runBoot,
}

func init() {
	bootCmd.Flags().String("objective", "", "Run objective (required)")
	bootCmd.Flags().StringSlice("acceptance", nil, "Acceptance criteria")
	bootCmd.Flags().StringSlice("constraint", nil, "Constraints")
	bootCmd.Flags().String("task-id", "", "Task id")
	bootCmd.Flags().String("thread-id", "", "Thread id")
	_ = bootCmd.MarkFlagRequired("objective")
}

func runBoot(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer svc.Close()

	objective, _ := cmd.Flags().GetString("objective")
	acceptance, _ := cmd.Flags().GetStringSlice("acceptance")
	constraints, _ := cmd.Flags().GetStringSlice("constraint")
	taskID, _ := cmd.Flags().GetString("task-id")
	threadID, _ := cmd.Flags().GetString("thread-id")

	ws, runID, err := svc.Boot(service.BootRequest{
		Objective:          objective,
		AcceptanceCriteria: acceptance,
		Constraints:        constraints,
		TaskID:             taskID,
		ThreadID:           threadID,
	})
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"run_id": runID, "ws": ws})
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
