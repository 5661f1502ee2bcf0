package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"

	"github.com/rubiojr/plutus/pkg/agent"
	"github.com/rubiojr/plutus/pkg/config"
	"github.com/rubiojr/plutus/pkg/log"
	"github.com/rubiojr/plutus/pkg/plutusid"
)

// AgentCommand creates the `plutus agent` command group.
func AgentCommand() *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "Join a hub as an agent",
		Commands: []*cli.Command{
			{
				Name:  "join",
				Usage: "Connect to a hub and stay connected",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "hub-uri",
						Usage: "Hub WebSocket URI, overrides config",
					},
					&cli.StringFlag{
						Name:  "token",
						Usage: "Auth token, overrides config",
					},
					&cli.StringFlag{
						Name:  "peer-id",
						Usage: "Peer id; randomly generated if unset",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					log.SetGlobalDebug(c.Bool("debug"))
					var peerID uint64
					if raw := c.String("peer-id"); raw != "" {
						id, err := strconv.ParseUint(raw, 10, 64)
						if err != nil {
							return fmt.Errorf("invalid peer-id %q: %w", raw, err)
						}
						peerID = id
					}
					return joinAgent(ctx, c.String("config"), c.String("hub-uri"), c.String("token"), peerID)
				},
			},
			{
				Name:  "status",
				Usage: "Join briefly, sync once, and report known peers",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "hub-uri",
						Usage: "Hub WebSocket URI, overrides config",
					},
					&cli.StringFlag{
						Name:  "token",
						Usage: "Auth token, overrides config",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					log.SetGlobalDebug(c.Bool("debug"))
					return agentStatus(ctx, c.String("config"), c.String("hub-uri"), c.String("token"))
				},
			},
		},
	}
}

func joinAgent(ctx context.Context, configPath, hubURI, token string, peerID uint64) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if hubURI == "" {
		hubURI = cfg.Agent.HubURI
	}
	if token == "" {
		token = cfg.Agent.AuthToken
	}
	if peerID == 0 {
		peerID = cfg.Agent.PeerID
	}
	if peerID == 0 {
		peerID = plutusid.New()
	}

	a := agent.New(peerID, agent.Config{
		URI:         hubURI,
		Token:       token,
		Retries:     cfg.Agent.Retries,
		BaseBackoff: cfg.Agent.BaseBackoff.Duration,
		MaxBackoff:  cfg.Agent.MaxBackoff.Duration,
	})

	a.Lifecycle().On(agent.OnPeerJoin, func(p any) { fmt.Printf("peer joined: %v\n", p) })
	a.Lifecycle().On(agent.OnPeerLeave, func(p any) { fmt.Printf("peer left: %v\n", p) })
	a.Lifecycle().On(agent.OnError, func(e any) { fmt.Printf("agent error: %v\n", e) })

	fmt.Printf("Joining %s as peer %d...\n", hubURI, peerID)
	if err := a.Join(ctx, "", ""); err != nil {
		return fmt.Errorf("joining hub: %w", err)
	}
	fmt.Println("Joined. Press Ctrl+C to leave.")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.RunHeartbeatLoop(runCtx, 15*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nLeaving...")
	cancel()
	return a.Leave(context.Background())
}

// agentStatus joins a hub long enough to sync once and observe 1.5 seconds
// of peer traffic, then renders what it learned and leaves. There
// is no persistent agent daemon to query, so this is the closest analogue
// to the hub's health check: a point-in-time snapshot, not a live view.
func agentStatus(ctx context.Context, configPath, hubURI, token string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if hubURI == "" {
		hubURI = cfg.Agent.HubURI
	}
	if token == "" {
		token = cfg.Agent.AuthToken
	}

	peerID := plutusid.New()
	a := agent.New(peerID, agent.Config{
		URI:         hubURI,
		Token:       token,
		Retries:     cfg.Agent.Retries,
		BaseBackoff: cfg.Agent.BaseBackoff.Duration,
		MaxBackoff:  cfg.Agent.MaxBackoff.Duration,
	})

	if err := a.Join(ctx, "", ""); err != nil {
		return fmt.Errorf("joining hub: %w", err)
	}
	defer a.Leave(context.Background())

	if err := a.Sync(ctx); err != nil {
		return fmt.Errorf("syncing: %w", err)
	}

	// Give in-flight HEARTBEAT/JOIN frames from other agents a short
	// window to arrive before reporting what's known.
	select {
	case <-ctx.Done():
	case <-time.After(1500 * time.Millisecond):
	}

	keyStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	valStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	row := func(k, v string) string {
		return keyStyle.Render(k) + " " + valStyle.Render(v)
	}

	fmt.Println(row("hub", hubURI))
	fmt.Println(row("peer_id", fmt.Sprintf("%d", peerID)))

	vv := a.Replica().CloneVersionVector()
	ids := make([]uint64, 0, len(vv))
	for id := range vv {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	vvParts := make([]string, 0, len(ids))
	for _, id := range ids {
		vvParts = append(vvParts, fmt.Sprintf("%d:%d", id, vv[id]))
	}
	fmt.Println(row("version_vector", fmt.Sprintf("%v", vvParts)))

	peers := a.Peers().List()
	if len(peers) == 0 {
		fmt.Println(dimStyle.Render("no other peers observed"))
		return nil
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	for _, p := range peers {
		fmt.Println(row(fmt.Sprintf("peer %d", p.ID), fmt.Sprintf("last heartbeat %s", p.LastHeartbeat.Format(time.RFC3339))))
	}
	return nil
}
