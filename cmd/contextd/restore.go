package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Load a resume pack into a fresh run",
	RunE:  runRestore,
}

func init() {
	restoreCmd.Flags().String("pack-path", "", "Path to the resume pack, directory or zip (required)")
	restoreCmd.Flags().String("new-run-id", "", "Run id to assign (minted if omitted)")
	_ = restoreCmd.MarkFlagRequired("pack-path")
}

func runRestore(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	defer svc.Close()

	packPath, _ := cmd.Flags().GetString("pack-path")
	newRunID, _ := cmd.Flags().GetString("new-run-id")

	ws, runID, err := svc.ResumeLoad(packPath, newRunID)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"run_id": runID, "ws": ws})
}
