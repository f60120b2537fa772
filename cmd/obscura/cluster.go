package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"Obscura/internal/attest"
	"Obscura/internal/cluster"
	"Obscura/internal/config"
	"Obscura/internal/logger"
	"Obscura/internal/network"
	"Obscura/internal/sealing"
)

// clusterCommand runs the computation side. Every node key is derived
// from the shared seed; one process signs for the online nodes.
func clusterCommand(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "cluster",
		Short: "Run a cluster that executes circuits and signs their results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			c, err := newClusterProcess(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			return c.Run(cmd.Context())
		},
	}
}

// clusterProcess holds the running parts of a cluster.
type clusterProcess struct {
	cfg     config.Config
	network *network.Node
	link    *network.ClusterLink
	cluster *cluster.Cluster
}

// newClusterProcess builds a cluster from its configuration.
func newClusterProcess(cfg config.Config) (*clusterProcess, error) {
	seed, err := cfg.ClusterSeed()
	if err != nil {
		return nil, err
	}

	nodes, _, err := attest.DeriveCluster(seed, cfg.Cluster.Nodes, cfg.Cluster.Threshold)
	if err != nil {
		return nil, fmt.Errorf("derive cluster:\n%w", err)
	}

	key, err := sealing.KeyFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("derive sealing key:\n%w", err)
	}

	node, err := newNetworkNode(cfg)
	if err != nil {
		return nil, err
	}

	c := &clusterProcess{cfg: cfg, network: node}
	c.link = network.NewClusterLink(node, nil)

	c.cluster, err = cluster.New(cluster.Config{
		Workers:   cfg.Cluster.Workers,
		QueueSize: cfg.Cluster.QueueSize,
		Online:    cfg.Cluster.Online,
	}, nodes, cfg.Cluster.Threshold, key, c.link, c.link)
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("create cluster:\n%w", err)
	}

	if err := serveApps(c.cluster); err != nil {
		node.Close()
		return nil, err
	}

	c.link.SetDispatcher(c.cluster)

	return c, nil
}

// Run starts the workers and blocks until ctx ends or a shutdown signal arrives.
func (c *clusterProcess) Run(ctx context.Context) error {
	if err := c.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.cluster.Start(ctx)

	dialPeers(c.network, c.cfg.Peers)

	pub := c.cluster.PublicKey()
	logger.Info("cluster started",
		"key", hex.EncodeToString(c.network.PublicKey()),
		"quic", c.network.Addr(),
		"sealing", hex.EncodeToString(pub[:]),
	)

	return waitForShutdown(ctx)
}

// Close stops the workers and the network.
func (c *clusterProcess) Close() {
	if c.cluster != nil {
		c.cluster.Stop()
	}

	if c.network != nil {
		c.network.Close()
	}
}
