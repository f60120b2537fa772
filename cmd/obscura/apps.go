package main

import (
	"fmt"

	"Obscura/apps/auction"
	"Obscura/apps/blackjack"
	"Obscura/apps/rps"
	"Obscura/apps/voting"
	"Obscura/internal/cluster"
	"Obscura/internal/compdef"
	"Obscura/internal/runtime"
	"Obscura/internal/scheduler"
)

// installApps registers every bundled program on the host side.
func installApps(reg *compdef.Registry, sched *scheduler.Scheduler, host *runtime.Host) error {
	installers := []func() (runtime.Handler, error){
		func() (runtime.Handler, error) { return blackjack.Install(reg, sched) },
		func() (runtime.Handler, error) { return auction.Install(reg, sched) },
		func() (runtime.Handler, error) { return voting.Install(reg, sched) },
		func() (runtime.Handler, error) { return rps.Install(reg, sched) },
	}

	for _, install := range installers {
		h, err := install()
		if err != nil {
			return fmt.Errorf("install program:\n%w", err)
		}

		if err := host.Register(h); err != nil {
			return fmt.Errorf("register %s:\n%w", h.Program(), err)
		}
	}

	return nil
}

// serveApps registers every bundled circuit on the cluster side.
func serveApps(cl *cluster.Cluster) error {
	for _, serve := range []func(*cluster.Cluster) error{
		blackjack.Serve,
		auction.Serve,
		voting.Serve,
		rps.Serve,
	} {
		if err := serve(cl); err != nil {
			return err
		}
	}

	return nil
}
