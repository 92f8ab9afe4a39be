package main

import (
	"github.com/agentrun/contextd/pkg/config"
	"github.com/agentrun/contextd/pkg/service"
	"github.com/spf13/cobra"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if runsRoot, _ := cmd.Flags().GetString("runs-root"); runsRoot != "" {
		cfg.RunsRoot = runsRoot
	}
	return cfg, nil
}

func newService(cmd *cobra.Command) (*service.Service, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return service.New(cfg)
}
