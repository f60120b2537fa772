package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"Obscura/internal/api"
	"Obscura/internal/attest"
	"Obscura/internal/compdef"
	"Obscura/internal/config"
	"Obscura/internal/ledger"
	"Obscura/internal/logger"
	"Obscura/internal/network"
	"Obscura/internal/runtime"
	"Obscura/internal/scheduler"
	"Obscura/internal/storage"
)

// hostCommand runs the ledger side: storage, programs, scheduler and API.
func hostCommand(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Run the host that schedules computations and applies results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			h, err := newHostProcess(cfg)
			if err != nil {
				return err
			}
			defer h.Close()

			return h.Run(cmd.Context())
		},
	}
}

// hostProcess holds the running parts of a host.
type hostProcess struct {
	cfg       config.Config
	storage   *storage.Storage
	ledger    *ledger.Ledger
	registry  *compdef.Registry
	runtime   *runtime.Host
	network   *network.Node
	link      *network.HostLink
	scheduler *scheduler.Scheduler
	api       *api.Server
}

// newHostProcess builds a host from its configuration.
func newHostProcess(cfg config.Config) (*hostProcess, error) {
	h := &hostProcess{cfg: cfg}

	if err := h.initStorage(); err != nil {
		return nil, err
	}

	if err := h.initNetwork(); err != nil {
		h.Close()
		return nil, err
	}

	if err := h.initScheduler(); err != nil {
		h.Close()
		return nil, err
	}

	h.api = api.New(cfg.HTTPAddress, h.ledger, h.registry, h.runtime)

	return h, nil
}

// initStorage opens Pebble and the stores built on it.
func (h *hostProcess) initStorage() error {
	if err := os.MkdirAll(h.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(h.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}
	h.storage = db

	reg, err := compdef.New(db)
	if err != nil {
		return fmt.Errorf("init registry:\n%w", err)
	}
	h.registry = reg

	h.ledger = ledger.New(db)
	h.runtime = runtime.New(h.ledger)

	return nil
}

// initNetwork creates the QUIC node and the host link on it.
func (h *hostProcess) initNetwork() error {
	node, err := newNetworkNode(h.cfg)
	if err != nil {
		return err
	}

	h.network = node
	h.link = network.NewHostLink(node, h.ledger, h.runtime)

	return nil
}

// initScheduler creates the scheduler and installs the programs.
func (h *hostProcess) initScheduler() error {
	seed, err := h.cfg.ClusterSeed()
	if err != nil {
		return err
	}

	_, identity, err := attest.DeriveCluster(seed, h.cfg.Cluster.Nodes, h.cfg.Cluster.Threshold)
	if err != nil {
		return fmt.Errorf("derive cluster identity:\n%w", err)
	}

	h.scheduler = scheduler.New(scheduler.Config{
		Cluster:      identity,
		PumpInterval: h.cfg.Scheduler.PumpInterval,
		BatchSize:    h.cfg.Scheduler.BatchSize,
	}, h.ledger, h.registry, h.link)

	return installApps(h.registry, h.scheduler, h.runtime)
}

// Run starts every part and blocks until ctx ends or a shutdown signal arrives.
func (h *hostProcess) Run(ctx context.Context) error {
	if err := h.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.scheduler.Start(ctx)

	if err := h.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	dialPeers(h.network, h.cfg.Peers)

	logger.Info("host started",
		"key", hex.EncodeToString(h.network.PublicKey()),
		"http", h.cfg.HTTPAddress,
		"quic", h.network.Addr(),
		"programs", h.runtime.Programs(),
	)

	return waitForShutdown(ctx)
}

// Close stops every started part in reverse order.
func (h *hostProcess) Close() {
	if h.api != nil {
		h.api.Stop()
	}

	if h.scheduler != nil {
		h.scheduler.Stop()
	}

	if h.network != nil {
		h.network.Close()
	}

	if h.storage != nil {
		h.storage.Close()
	}
}
