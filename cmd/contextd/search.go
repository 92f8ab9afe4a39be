package main

import (
	"fmt"

	"github.com/agentrun/contextd/pkg/memory"
	"github.com/agentrun/contextd/pkg/types"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search committed long-term memory",
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().String("q", "", "Free-text query")
	searchCmd.Flags().String("type", "", "Filter by memory type")
	searchCmd.Flags().String("scope", "", "Filter by scope")
	searchCmd.Flags().String("scope-id", "", "Filter by scope id")
	searchCmd.Flags().Int("top-k", 10, "Maximum results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	defer svc.Close()

	q, _ := cmd.Flags().GetString("q")
	memType, _ := cmd.Flags().GetString("type")
	scope, _ := cmd.Flags().GetString("scope")
	scopeID, _ := cmd.Flags().GetString("scope-id")
	topK, _ := cmd.Flags().GetInt("top-k")

	results, err := svc.SearchMemory(memory.SearchQuery{
		Text:    q,
		Type:    types.MemoryType(memType),
		Scope:   types.MemoryScope(scope),
		ScopeID: scopeID,
		Limit:   topK,
	})
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"results": results})
}
