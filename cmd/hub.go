package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"

	"github.com/rubiojr/plutus/pkg/config"
	"github.com/rubiojr/plutus/pkg/hub"
	"github.com/rubiojr/plutus/pkg/log"
)

// HubCommand creates the `plutus hub` command group.
func HubCommand() *cli.Command {
	return &cli.Command{
		Name:  "hub",
		Usage: "Run or inspect a plutus hub",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the hub server",
				Action: func(ctx context.Context, c *cli.Command) error {
					log.SetGlobalDebug(c.Bool("debug"))
					return serveHub(ctx, c.String("config"))
				},
			},
			{
				Name:  "status",
				Usage: "Check whether a hub is reachable",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Hub HTTP address (host:port)",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return hubStatus(c.String("config"), c.String("addr"))
				},
			},
		},
	}
}

// serveHub starts the hub and blocks until SIGINT/SIGTERM.
func serveHub(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	h, err := hub.New(hub.Config{
		AuthToken:          cfg.Hub.AuthToken,
		EventLogPath:       cfg.Hub.EventLogPath,
		MaxEventLogEntries: cfg.Hub.MaxEventLogEntries,
		MaxEventLogBytes:   cfg.Hub.MaxEventLogBytes,
		CompressEventLog:   cfg.Hub.CompressEventLog,
		AuditDBPath:        cfg.Hub.AuditDBPath,
	})
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Hub.Host, cfg.Hub.Port)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	fmt.Printf("Hub listening on %s\n", addr)
	if err := h.Start(runCtx, addr); err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	return nil
}

func hubStatus(configPath, addr string) error {
	if addr == "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		addr = fmt.Sprintf("%s:%d", cfg.Hub.Host, cfg.Hub.Port)
	}

	keyStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	client := http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/healthz", addr))

	fmt.Println(keyStyle.Render("hub") + " " + addr)
	if err != nil || resp.StatusCode != http.StatusOK {
		fmt.Println(failStyle.Render("unreachable"))
		return nil
	}
	defer resp.Body.Close()
	fmt.Println(okStyle.Render("healthy"))
	return nil
}
