package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"Obscura/client"
	"Obscura/internal/config"
	"Obscura/internal/logger"
	"Obscura/internal/network"
)

// newNetworkNode creates the QUIC node described by cfg.
func newNetworkNode(cfg config.Config) (*network.Node, error) {
	key, err := loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load key:\n%w", err)
	}

	allowed, err := cfg.AllowedKeys()
	if err != nil {
		return nil, err
	}

	node, err := network.NewNode(network.Config{
		PrivateKey: key,
		ListenAddr: cfg.QUICAddress,
		Allowed:    allowed,
	})
	if err != nil {
		return nil, fmt.Errorf("create network node:\n%w", err)
	}

	return node, nil
}

// dialPeers connects to each configured peer. A failed dial is logged;
// the peer may still connect to us.
func dialPeers(node *network.Node, peers []string) {
	for _, addr := range peers {
		if _, err := node.Connect(addr); err != nil {
			logger.Warn("dial peer failed", "addr", addr, "error", err)
			continue
		}

		logger.Info("peer connected", "addr", addr)
	}
}

// waitForShutdown blocks until ctx ends or SIGINT/SIGTERM arrives.
func waitForShutdown(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", ctx.Err())
	}

	return nil
}

// statusCommand prints the status of a running host.
func statusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the scheduler and delivery counters of a host",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			status, err := client.NewClient(addr).Status(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(status)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "host API address")

	return cmd
}
