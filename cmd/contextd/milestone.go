package main

import (
	"fmt"

	"github.com/agentrun/contextd/pkg/episode"
	"github.com/spf13/cobra"
)

var milestoneCmd = &cobra.Command{
	Use:   "milestone",
	Short: "Seal a milestone episode for a run",
	RunE:  runMilestone,
}

func init() {
	milestoneCmd.Flags().String("run-id", "", "Run id (required)")
	milestoneCmd.Flags().String("reason", "", "Reason for sealing")
	milestoneCmd.Flags().String("memory-batch-id", "", "Memory batch to commit as part of the seal")
	milestoneCmd.Flags().String("next-entry-point", "", "Next entry point for resumption")
	_ = milestoneCmd.MarkFlagRequired("run-id")
}

func runMilestone(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return fmt.Errorf("milestone: %w", err)
	}
	defer svc.Close()

	runID, _ := cmd.Flags().GetString("run-id")
	reason, _ := cmd.Flags().GetString("reason")
	batchID, _ := cmd.Flags().GetString("memory-batch-id")
	nextEntryPoint, _ := cmd.Flags().GetString("next-entry-point")

	result, err := svc.Milestone(episode.SealRequest{
		RunID:          runID,
		Reason:         reason,
		MemoryBatchID:  batchID,
		NextEntryPoint: nextEntryPoint,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}
