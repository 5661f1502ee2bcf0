package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rubiojr/plutus/pkg/config"
	"github.com/urfave/cli/v3"
)

// ConfigCommand creates the `plutus config` command group.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the plutus configuration file",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a template configuration file",
				Action: func(ctx context.Context, c *cli.Command) error {
					return initConfig(c.String("config"))
				},
			},
		},
	}
}

func initConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Configuration file already exists at %s\n", configPath)
		return nil
	}

	cfg := config.GetDefaultConfig()
	if err := cfg.SaveTemplateConfig(configPath); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Printf("Configuration initialized at %s\n", configPath)
	return nil
}
