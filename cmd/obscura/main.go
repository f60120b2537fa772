package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"Obscura/internal/config"
	"Obscura/internal/logger"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// rootCommand builds the command tree.
func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "obscura",
		Short:         "Host and cluster processes for confidential computations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (OBSCURA_* variables override it)")

	load := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config:\n%w", err)
		}

		logger.Init(cfg.LogLevel)

		return cfg, nil
	}

	root.AddCommand(
		hostCommand(load),
		clusterCommand(load),
		keygenCommand(),
		statusCommand(),
	)

	return root
}
