package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report process health",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer svc.Close()

	result := svc.Health()
	return printJSON(map[string]any{"status": result.Status, "version": result.Version})
}
