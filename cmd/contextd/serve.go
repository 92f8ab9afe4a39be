package main

import (
	"fmt"

	"github.com/agentrun/contextd/pkg/api"
	"github.com/agentrun/contextd/pkg/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the contextd HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8090", "Listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer svc.Close()

	addr, _ := cmd.Flags().GetString("addr")
	server := api.New(svc)
	log.Info("contextd listening on " + addr)
	return server.Start(addr)
}
