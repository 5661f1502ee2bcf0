package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rubiojr/plutus/cmd"
	"github.com/rubiojr/plutus/pkg/config"
)

func main() {
	app := &cli.Command{
		Name:  "plutus",
		Usage: "A CRDT-based shared state toolkit: run a hub, join as an agent",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: config.GetDefaultConfigPath(),
			},
		},
		Commands: []*cli.Command{
			cmd.ConfigCommand(),
			cmd.HubCommand(),
			cmd.AgentCommand(),
			cmd.VersionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
