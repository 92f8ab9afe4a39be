package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write a resume pack for a run",
	RunE:  runSnapshot,
}

func init() {
	snapshotCmd.Flags().String("run-id", "", "Run id (required)")
	snapshotCmd.Flags().Bool("zip", false, "Materialize as a zip instead of a directory")
	_ = snapshotCmd.MarkFlagRequired("run-id")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer svc.Close()

	runID, _ := cmd.Flags().GetString("run-id")
	zipPack, _ := cmd.Flags().GetBool("zip")

	result, err := svc.ResumeSnapshot(runID, zipPack, nil)
	if err != nil {
		return err
	}
	return printJSON(result)
}
