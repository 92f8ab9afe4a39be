package main

import (
	"encoding/json"
	"fmt"

	"github.com/agentrun/contextd/pkg/config"
	"github.com/agentrun/contextd/pkg/service"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a declarative manifest",
	Long: `Apply a contextd manifest from a YAML file.

Examples:
  # Boot a run from a manifest
  contextd apply -f run.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	manifest, err := config.LoadManifest(filename)
	if err != nil {
		return err
	}

	svc, err := newService(cmd)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	defer svc.Close()

	switch manifest.Kind {
	case "Run":
		return applyRun(svc, manifest)
	default:
		return fmt.Errorf("unsupported manifest kind: %s", manifest.Kind)
	}
}

func applyRun(svc *service.Service, manifest *config.Manifest) error {
	objective := config.GetString(manifest.Spec, "objective", "")
	if objective == "" {
		return fmt.Errorf("spec.objective is required for kind Run")
	}
	acceptance := config.GetStringSlice(manifest.Spec, "acceptanceCriteria")
	constraints := config.GetStringSlice(manifest.Spec, "constraints")

	ws, runID, err := svc.Boot(service.BootRequest{
		Objective:          objective,
		AcceptanceCriteria: acceptance,
		Constraints:        constraints,
		TaskID:             config.GetString(manifest.Spec, "taskId", ""),
		ThreadID:           config.GetString(manifest.Spec, "threadId", ""),
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(map[string]any{"run_id": runID, "ws": ws}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
