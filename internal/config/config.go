// Package config handles configuration loading and validation for statemesh.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GossipConfig holds configuration for the gossip event channel.
// MaxRetries is a pointer so an explicit 0 (no retries) survives defaulting.
type GossipConfig struct {
	Seeds             []string `yaml:"seeds"`              // ws addresses of seed peers (host:port)
	MaxRetries        *int     `yaml:"max_retries"`        // publish retry budget per event
	RetryDelay        string   `yaml:"retry_delay"`        // Duration string, e.g. "5s"
	ConnectionTimeout string   `yaml:"connection_timeout"` // Duration string, e.g. "30s"
	HeartbeatInterval string   `yaml:"heartbeat_interval"` // Duration string, e.g. "10s"
}

// PlacementConfig holds configuration for the placement planner.
type PlacementConfig struct {
	ReplicationTarget int `yaml:"replication_target"` // default replica count per content
	MaxCandidates     int `yaml:"max_candidates"`     // remote peers queried per placement
}

// PeerAddr maps a node id to the base URL of its HTTP API.
type PeerAddr struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// NodeConfig holds configuration for a statemesh node.
type NodeConfig struct {
	NodeID    string          `yaml:"node_id"`
	Listen    string          `yaml:"listen"`
	AuthToken string          `yaml:"auth_token"`
	DataDir   string          `yaml:"data_dir"` // empty means in-memory stores only
	Peers     []PeerAddr      `yaml:"peers"`
	Gossip    GossipConfig    `yaml:"gossip"`
	Placement PlacementConfig `yaml:"placement"`
}

// LoadNodeConfig loads node configuration from a YAML file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *NodeConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":7946"
	}
	if c.Gossip.MaxRetries == nil {
		retries := 3
		c.Gossip.MaxRetries = &retries
	}
	if c.Gossip.RetryDelay == "" {
		c.Gossip.RetryDelay = "5s"
	}
	if c.Gossip.ConnectionTimeout == "" {
		c.Gossip.ConnectionTimeout = "30s"
	}
	if c.Gossip.HeartbeatInterval == "" {
		c.Gossip.HeartbeatInterval = "10s"
	}
	if c.Placement.ReplicationTarget == 0 {
		c.Placement.ReplicationTarget = 3
	}
	if c.Placement.MaxCandidates == 0 {
		c.Placement.MaxCandidates = 20
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
}

// Validate checks the configuration for inconsistencies.
func (c *NodeConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if _, err := c.Gossip.ParseRetryDelay(); err != nil {
		return fmt.Errorf("gossip.retry_delay: %w", err)
	}
	if _, err := c.Gossip.ParseConnectionTimeout(); err != nil {
		return fmt.Errorf("gossip.connection_timeout: %w", err)
	}
	if _, err := c.Gossip.ParseHeartbeatInterval(); err != nil {
		return fmt.Errorf("gossip.heartbeat_interval: %w", err)
	}
	if c.Gossip.MaxRetries != nil && *c.Gossip.MaxRetries < 0 {
		return fmt.Errorf("gossip.max_retries must not be negative")
	}
	for _, p := range c.Peers {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("peers entries require both id and addr")
		}
	}
	return nil
}

// RetryCount returns the configured retry budget, defaulting to 3 when the
// field was never set.
func (g *GossipConfig) RetryCount() int {
	if g.MaxRetries == nil {
		return 3
	}
	return *g.MaxRetries
}

// ParseRetryDelay returns the retry delay as a duration.
func (g *GossipConfig) ParseRetryDelay() (time.Duration, error) {
	return time.ParseDuration(g.RetryDelay)
}

// ParseConnectionTimeout returns the connection timeout as a duration.
func (g *GossipConfig) ParseConnectionTimeout() (time.Duration, error) {
	return time.ParseDuration(g.ConnectionTimeout)
}

// ParseHeartbeatInterval returns the heartbeat interval as a duration.
func (g *GossipConfig) ParseHeartbeatInterval() (time.Duration, error) {
	return time.ParseDuration(g.HeartbeatInterval)
}
