package main

import (
	"fmt"

	"github.com/agentrun/contextd/pkg/service"
	"github.com/spf13/cobra"
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Commit a proposed memory batch",
	RunE:  runCommit,
}

func init() {
	commitCmd.Flags().String("run-id", "", "Run id (required)")
	commitCmd.Flags().String("batch-id", "", "Batch id (required)")
	commitCmd.Flags().String("milestone-token", "", "Milestone token")
	commitCmd.Flags().Bool("allow-outside-milestone", false, "Bypass the token gate (test_mode only)")
	_ = commitCmd.MarkFlagRequired("run-id")
	_ = commitCmd.MarkFlagRequired("batch-id")
}

func runCommit(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	defer svc.Close()

	runID, _ := cmd.Flags().GetString("run-id")
	batchID, _ := cmd.Flags().GetString("batch-id")
	token, _ := cmd.Flags().GetString("milestone-token")
	allowOutside, _ := cmd.Flags().GetBool("allow-outside-milestone")

	ids, err := svc.CommitMemory(service.CommitMemoryRequest{
		RunID:                 runID,
		BatchID:               batchID,
		MilestoneToken:        token,
		AllowOutsideMilestone: allowOutside,
	})
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"committed_ids": ids})
}
