package configuration

import (
	"errors"
	"fmt"
	"net"
	"time"
)

type Properties struct {
	App       AppConfigurationProperties       `yaml:"app"`
	Transport TransportConfigurationProperties `yaml:"transport"`
	Raft      RaftConfigurationProperties      `yaml:"raft"`
	Merger    MergerConfigurationProperties    `yaml:"merger"`
	Storage   StorageConfigurationProperties   `yaml:"storage"`
}

type AppConfigurationProperties struct {
	Profile     string `yaml:"profile"`
	LogLevel    string `yaml:"log-level"`
	MetricsPort string `yaml:"metrics-port"`
}

type TransportConfigurationProperties struct {
	Network              string        `yaml:"network"`
	Address              string        `yaml:"address"`
	ClientPort           string        `yaml:"client-port"`
	RaftPort             string        `yaml:"raft-port"`
	Timeout              time.Duration `yaml:"timeout"`
	MaxConcurrentStreams uint32        `yaml:"max-concurrent-streams"`
}

type WriteAheadLogProperties struct {
	NoSync bool `yaml:"no-sync"`
}

type RaftConfigurationProperties struct {
	NodeID           uint64                  `yaml:"node-id"`
	TopologyID       string                  `yaml:"topology-id"`
	RaftPeers        map[uint64]string       `yaml:"raft-peers"`
	ClientPeers      map[uint64]string       `yaml:"client-peers"`
	StorageDir       string                  `yaml:"storage-dir"`
	TickInterval     time.Duration           `yaml:"tick-interval"`
	ElectionTickMin  int                     `yaml:"election-tick-min"`
	ElectionTickMax  int                     `yaml:"election-tick-max"`
	HeartbeatTick    int                     `yaml:"heartbeat-tick"`
	MaxEntriesPerMsg int                     `yaml:"max-entries-per-msg"`
	RPCTimeout       time.Duration           `yaml:"rpc-timeout"`
	CheckQuorum      bool                    `yaml:"check-quorum"`
	SnapCount        uint64                  `yaml:"snap-count"`
	DrainTimeout     time.Duration           `yaml:"drain-timeout"`
	Wal              WriteAheadLogProperties `yaml:"wal"`
}

type MergerConfigurationProperties struct {
	MaxBatchSize         int           `yaml:"max-batch-size"`
	LowResourceBatchSize int           `yaml:"low-resource-batch-size"`
	MaxBatchDuration     time.Duration `yaml:"max-batch-duration"`
	MemorySoftLimitMB    uint64        `yaml:"memory-soft-limit-mb"`
	MemoryCheckInterval  time.Duration `yaml:"memory-check-interval"`
}

type StorageConfigurationProperties struct {
	InMemory bool `yaml:"in-memory"`
	NoSync   bool `yaml:"no-sync"`
}

func (c *TransportConfigurationProperties) RaftAddr() string {
	return net.JoinHostPort(c.Address, c.RaftPort)
}

func (c *TransportConfigurationProperties) ClientAddr() string {
	return net.JoinHostPort(c.Address, c.ClientPort)
}

func (c *AppConfigurationProperties) MetricsAddr() string {
	if c.MetricsPort == "" {
		return ""
	}
	return ":" + c.MetricsPort
}

func (p *Properties) Validate() error {
	var errs []error
	r := p.Raft
	if r.NodeID == 0 {
		errs = append(errs, errors.New("raft.node-id must be set"))
	} else if _, ok := r.RaftPeers[r.NodeID]; !ok {
		errs = append(errs, fmt.Errorf("raft.raft-peers has no entry for node %d", r.NodeID))
	}
	if r.ElectionTickMin <= 0 || r.ElectionTickMax <= r.ElectionTickMin {
		errs = append(errs, fmt.Errorf("raft.election-tick-min (%d) must be positive and below election-tick-max (%d)",
			r.ElectionTickMin, r.ElectionTickMax))
	}
	if r.HeartbeatTick <= 0 || r.HeartbeatTick >= r.ElectionTickMin {
		errs = append(errs, fmt.Errorf("raft.heartbeat-tick (%d) must be positive and below election-tick-min", r.HeartbeatTick))
	}
	if r.TickInterval <= 0 {
		errs = append(errs, errors.New("raft.tick-interval must be positive"))
	}
	m := p.Merger
	if m.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("merger.max-batch-size must be positive"))
	}
	if m.LowResourceBatchSize <= 0 || m.LowResourceBatchSize > m.MaxBatchSize {
		errs = append(errs, fmt.Errorf("merger.low-resource-batch-size (%d) must be in [1, max-batch-size]", m.LowResourceBatchSize))
	}
	return errors.Join(errs...)
}
