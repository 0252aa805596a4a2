package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/statemesh/statemesh/internal/config"
	"github.com/statemesh/statemesh/internal/contentnet"
	"github.com/statemesh/statemesh/internal/coord"
	"github.com/statemesh/statemesh/internal/gossip"
	"github.com/statemesh/statemesh/internal/peernet"
	"github.com/statemesh/statemesh/internal/placement"
	"github.com/statemesh/statemesh/internal/registry"
	"github.com/statemesh/statemesh/internal/version"
)

// runNode assembles the stores, the placement planner, the gossip propagator,
// and the coordination service, then serves the HTTP API until ctx ends.
func runNode(ctx context.Context, cfg *config.NodeConfig) error {
	reg, nets, versions, closeStores, err := openStores(cfg.DataDir)
	if err != nil {
		return err
	}
	defer closeStores()

	retryDelay, err := cfg.Gossip.ParseRetryDelay()
	if err != nil {
		return err
	}
	connTimeout, err := cfg.Gossip.ParseConnectionTimeout()
	if err != nil {
		return err
	}
	heartbeat, err := cfg.Gossip.ParseHeartbeatInterval()
	if err != nil {
		return err
	}

	var peers peernet.Network
	if len(cfg.Peers) > 0 {
		peers = peernet.NewHTTP(cfg.Peers, cfg.AuthToken, connTimeout)
	} else {
		peers = peernet.NewStatic()
	}

	bus := gossip.New(cfg.NodeID, gossip.Options{
		Seeds:             cfg.Gossip.Seeds,
		AuthToken:         cfg.AuthToken,
		MaxRetries:        cfg.Gossip.RetryCount(),
		RetryDelay:        retryDelay,
		ConnectionTimeout: connTimeout,
		HeartbeatInterval: heartbeat,
	})
	defer bus.Close()

	planner := placement.NewPlanner(reg, peers, cfg.Placement.MaxCandidates)
	svc := coord.NewService(
		cfg.NodeID, reg, nets, versions, planner, peers, bus,
		cfg.Placement.ReplicationTarget,
	)
	server := coord.NewServer(svc, bus, cfg.AuthToken)

	bus.Start()

	log.Info().
		Str("node", cfg.NodeID).
		Str("listen", cfg.Listen).
		Int("seeds", len(cfg.Gossip.Seeds)).
		Bool("durable", cfg.DataDir != "").
		Msg("statemesh node starting")

	err = server.Run(ctx, cfg.Listen)

	if ferr := svc.Flush(context.Background()); ferr != nil {
		log.Error().Err(ferr).Msg("final flush failed")
	}
	return err
}

// openStores returns either bolt-backed or in-memory stores depending on
// whether a data directory is configured.
func openStores(dataDir string) (registry.Registry, contentnet.Store, version.Store, func(), error) {
	if dataDir == "" {
		return registry.NewMemory(), contentnet.NewMemory(), version.NewMemory(), func() {}, nil
	}

	reg, err := registry.OpenBolt(filepath.Join(dataDir, "registry.db"))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open registry store: %w", err)
	}
	nets, err := contentnet.OpenBolt(filepath.Join(dataDir, "networks.db"))
	if err != nil {
		reg.Close()
		return nil, nil, nil, nil, fmt.Errorf("open content network store: %w", err)
	}
	versions, err := version.OpenBolt(filepath.Join(dataDir, "versions.db"))
	if err != nil {
		reg.Close()
		nets.Close()
		return nil, nil, nil, nil, fmt.Errorf("open version store: %w", err)
	}

	closeAll := func() {
		if err := versions.Close(); err != nil {
			log.Warn().Err(err).Msg("version store close failed")
		}
		if err := nets.Close(); err != nil {
			log.Warn().Err(err).Msg("content network store close failed")
		}
		if err := reg.Close(); err != nil {
			log.Warn().Err(err).Msg("registry store close failed")
		}
	}
	return reg, nets, versions, closeAll, nil
}
