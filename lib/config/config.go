// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
	"github.com/bureau-foundation/swarmcas/lib/xorb"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local machines and tests.
	Development Environment = "development"
	// Production requires signed shards.
	Production Environment = "production"
)

// Config is the master configuration for a swarmcas node.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	Store    StoreConfig    `yaml:"store"`
	Xorb     XorbConfig     `yaml:"xorb"`
	Shard    ShardConfig    `yaml:"shard"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Gossip   GossipConfig   `yaml:"gossip"`
}

// StoreConfig configures the chunk store and engine metadata.
type StoreConfig struct {
	// Root holds the chunk store, file records and xorbs.
	Root string `yaml:"root"`

	// Hash is the digest algorithm: blake3 or sha256. A store keeps
	// the algorithm it was created with.
	Hash string `yaml:"hash"`

	// MaxAge is how long an unreferenced chunk survives after its
	// last access.
	MaxAge Duration `yaml:"max_age"`

	// CleanupInterval is the eviction sweep period.
	CleanupInterval Duration `yaml:"cleanup_interval"`

	// PoolSize is the SQLite connection pool size. Zero picks the
	// default.
	PoolSize int `yaml:"pool_size"`
}

// XorbConfig configures xorb serialization.
type XorbConfig struct {
	// Compression is lz4 or none.
	Compression string `yaml:"compression"`
}

// ShardConfig configures shard signing and compression.
type ShardConfig struct {
	// SecretFile holds the master secret shard HMAC keys are derived
	// from. Empty disables signing.
	SecretFile string `yaml:"secret_file"`

	// SwarmID scopes the derived key.
	SwarmID string `yaml:"swarm_id"`

	// Compress zstd-compresses shard bodies.
	Compress bool `yaml:"compress"`
}

// PeerConfig is a statically configured neighbor.
type PeerConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// ExchangeConfig configures the chunk exchange protocol.
type ExchangeConfig struct {
	// Listen is the TCP address the exchange server binds.
	Listen string `yaml:"listen"`

	// PeerID is this node's stable identity. Defaults to the host
	// name.
	PeerID string `yaml:"peer_id"`

	// Advertise is the address peers dial. Defaults to Listen.
	Advertise string `yaml:"advertise"`

	// Peers are the neighbors used for gossip and filter exchange.
	Peers []PeerConfig `yaml:"peers"`

	RequestTimeout   Duration `yaml:"request_timeout"`
	MaxCandidates    int      `yaml:"max_candidates"`
	DiscoveryRounds  int      `yaml:"discovery_rounds"`
	FetchConcurrency int      `yaml:"fetch_concurrency"`
}

// GossipConfig configures availability propagation.
type GossipConfig struct {
	Interval               Duration `yaml:"interval"`
	MaxHops                int      `yaml:"max_hops"`
	BloomFalsePositiveRate float64  `yaml:"bloom_false_positive_rate"`

	// FilterInterval is how often availability filters are rebuilt
	// if needed and exchanged with peers.
	FilterInterval Duration `yaml:"filter_interval"`
}

// Duration is a time.Duration written in config files as a string
// such as "30s" or "168h".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the default configuration, used as the base before
// the config file is applied.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	hostname, _ := os.Hostname()

	return &Config{
		Environment: Development,
		Store: StoreConfig{
			Root:            filepath.Join(homeDir, ".cache", "swarmcas"),
			Hash:            "blake3",
			MaxAge:          Duration(7 * 24 * time.Hour),
			CleanupInterval: Duration(time.Hour),
		},
		Xorb: XorbConfig{
			Compression: "lz4",
		},
		Shard: ShardConfig{
			Compress: true,
		},
		Exchange: ExchangeConfig{
			Listen:           ":7946",
			PeerID:           hostname,
			RequestTimeout:   Duration(10 * time.Second),
			MaxCandidates:    8,
			DiscoveryRounds:  2,
			FetchConcurrency: 8,
		},
		Gossip: GossipConfig{
			Interval:               Duration(30 * time.Second),
			MaxHops:                4,
			BloomFalsePositiveRate: 0.01,
			FilterInterval:         Duration(5 * time.Minute),
		},
	}
}

// Load loads configuration from the file named by SWARMCAS_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("SWARMCAS_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("SWARMCAS_CONFIG environment variable not set; " +
			"set it to the path of your swarmcas.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over the defaults and
// expands variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths and addresses.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Store.Root = expandVars(c.Store.Root, vars)
	vars["SWARMCAS_ROOT"] = c.Store.Root

	c.Shard.SecretFile = expandVars(c.Shard.SecretFile, vars)
	c.Exchange.Listen = expandVars(c.Exchange.Listen, vars)
	c.Exchange.Advertise = expandVars(c.Exchange.Advertise, vars)
	c.Exchange.PeerID = expandVars(c.Exchange.PeerID, vars)
	for i := range c.Exchange.Peers {
		c.Exchange.Peers[i].Addr = expandVars(c.Exchange.Peers[i].Addr, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, checking vars before
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting all of
// them.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Store.Root == "" {
		errs = append(errs, errors.New("store.root is required"))
	}
	if _, err := hashing.ParseAlgorithm(c.Store.Hash); err != nil {
		errs = append(errs, fmt.Errorf("store.hash: %w", err))
	}
	if c.Store.MaxAge < 0 {
		errs = append(errs, errors.New("store.max_age must not be negative"))
	}
	if c.Store.CleanupInterval <= 0 {
		errs = append(errs, errors.New("store.cleanup_interval must be positive"))
	}
	if c.Store.PoolSize < 0 {
		errs = append(errs, errors.New("store.pool_size must not be negative"))
	}

	if _, err := xorb.ParseCodec(c.Xorb.Compression); err != nil {
		errs = append(errs, fmt.Errorf("xorb.compression: %w", err))
	}

	if c.Shard.SecretFile == "" && c.Environment == Production {
		errs = append(errs, errors.New("shard.secret_file is required in production"))
	}
	if c.Shard.SecretFile != "" && c.Shard.SwarmID == "" {
		errs = append(errs, errors.New("shard.swarm_id is required when shard.secret_file is set"))
	}

	if c.Exchange.Listen == "" {
		errs = append(errs, errors.New("exchange.listen is required"))
	}
	if c.Exchange.PeerID == "" {
		errs = append(errs, errors.New("exchange.peer_id is required"))
	}
	for i, peer := range c.Exchange.Peers {
		if peer.ID == "" || peer.Addr == "" {
			errs = append(errs, fmt.Errorf("exchange.peers[%d] needs both id and addr", i))
		}
		if peer.ID == c.Exchange.PeerID {
			errs = append(errs, fmt.Errorf("exchange.peers[%d] is this node", i))
		}
	}
	if c.Exchange.RequestTimeout <= 0 {
		errs = append(errs, errors.New("exchange.request_timeout must be positive"))
	}
	if c.Exchange.MaxCandidates < 1 {
		errs = append(errs, errors.New("exchange.max_candidates must be at least 1"))
	}
	if c.Exchange.DiscoveryRounds < 1 {
		errs = append(errs, errors.New("exchange.discovery_rounds must be at least 1"))
	}
	if c.Exchange.FetchConcurrency < 1 {
		errs = append(errs, errors.New("exchange.fetch_concurrency must be at least 1"))
	}

	if c.Gossip.Interval <= 0 {
		errs = append(errs, errors.New("gossip.interval must be positive"))
	}
	if c.Gossip.FilterInterval <= 0 {
		errs = append(errs, errors.New("gossip.filter_interval must be positive"))
	}
	if c.Gossip.MaxHops < 1 || c.Gossip.MaxHops > 255 {
		errs = append(errs, errors.New("gossip.max_hops must be between 1 and 255"))
	}
	if rate := c.Gossip.BloomFalsePositiveRate; rate <= 0 || rate >= 1 {
		errs = append(errs, errors.New("gossip.bloom_false_positive_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// AdvertiseAddr returns the address peers should dial.
func (c *Config) AdvertiseAddr() string {
	if c.Exchange.Advertise != "" {
		return c.Exchange.Advertise
	}
	return c.Exchange.Listen
}

// ReadShardSecret returns the shard master secret, or nil when signing
// is disabled.
func (c *Config) ReadShardSecret() ([]byte, error) {
	if c.Shard.SecretFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Shard.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("reading shard secret: %w", err)
	}
	secret := []byte(strings.TrimSpace(string(data)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("shard secret file %s is empty", c.Shard.SecretFile)
	}
	return secret, nil
}
