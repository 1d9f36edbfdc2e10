// Package config manages locationd configuration using koanf/v2.
//
// Configuration layers, lowest to highest precedence: built-in defaults, a
// YAML file, LOCATIOND_-prefixed environment variables, and the two
// dedicated cluster variables CURRENT_NODE_IP and ALL_NODE_IPS.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/evosense/locationd/internal/location"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete locationd configuration.
type Config struct {
	Cluster  ClusterConfig  `koanf:"cluster"`
	Registry RegistryConfig `koanf:"registry"`
	Peering  PeeringConfig  `koanf:"peering"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
}

// ClusterConfig describes this node's place in the fixed seven-node layout.
type ClusterConfig struct {
	// CurrentNodeIP is this node's HTTP endpoint as ip:port. The peer RPC
	// listener uses port+80.
	CurrentNodeIP string `koanf:"current_node_ip"`

	// AllNodeIPs lists the seven cluster endpoints in index order.
	// CurrentNodeIP must appear in the list; its position is this node's id.
	AllNodeIPs []string `koanf:"all_node_ips"`
}

// RegistryConfig holds the cell registry and warm pool tunables.
type RegistryConfig struct {
	// InitialPoolSize is the number of cells pre-constructed at startup.
	InitialPoolSize int `koanf:"initial_pool_size"`

	// RefreshThresholdFraction is the pool usage fraction that triggers a
	// background refill.
	RefreshThresholdFraction float64 `koanf:"refresh_threshold_fraction"`

	// RefreshBatchSize is the number of cells constructed per refill.
	// Zero means RefreshThresholdFraction x InitialPoolSize.
	RefreshBatchSize int `koanf:"refresh_batch_size"`

	// ShardCount is the number of independent registry shards.
	ShardCount int `koanf:"shard_count"`
}

// PeeringConfig holds the inter-node channel tunables.
type PeeringConfig struct {
	// ChannelResetDebounceMS is the minimum interval in milliseconds between
	// two effective channel resets for the same peer.
	ChannelResetDebounceMS int `koanf:"channel_reset_debounce_ms"`

	// RPCTimeout bounds each peer call (e.g. "2s").
	RPCTimeout time.Duration `koanf:"rpc_timeout"`
}

// ResetDebounce returns the debounce window as a duration.
func (pc PeeringConfig) ResetDebounce() time.Duration {
	return time.Duration(pc.ChannelResetDebounceMS) * time.Millisecond
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. The
// cluster section has no default -- the node cannot guess its own layout.
func DefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			InitialPoolSize:          location.DefaultInitialPoolSize,
			RefreshThresholdFraction: location.DefaultRefreshThresholdFraction,
			RefreshBatchSize:         0,
			ShardCount:               location.DefaultShardCount,
		},
		Peering: PeeringConfig{
			ChannelResetDebounceMS: 300,
			RPCTimeout:             2 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for locationd configuration.
const envPrefix = "LOCATIOND_"

// envKeys maps LOCATIOND_ environment variables to configuration keys.
// Keys containing underscores cannot be derived mechanically, so the
// mapping is explicit; variables not in the table are ignored.
var envKeys = map[string]string{
	"LOCATIOND_LOG_LEVEL":                  "log.level",
	"LOCATIOND_LOG_FORMAT":                 "log.format",
	"LOCATIOND_METRICS_ADDR":               "metrics.addr",
	"LOCATIOND_METRICS_PATH":               "metrics.path",
	"LOCATIOND_INITIAL_POOL_SIZE":          "registry.initial_pool_size",
	"LOCATIOND_REFRESH_THRESHOLD_FRACTION": "registry.refresh_threshold_fraction",
	"LOCATIOND_REFRESH_BATCH_SIZE":         "registry.refresh_batch_size",
	"LOCATIOND_REGISTRY_SHARD_COUNT":       "registry.shard_count",
	"LOCATIOND_CHANNEL_RESET_DEBOUNCE_MS":  "peering.channel_reset_debounce_ms",
	"LOCATIOND_RPC_TIMEOUT":                "peering.rpc_timeout",
}

// Load reads configuration from the optional YAML file at path, overlays
// LOCATIOND_ environment variables and the dedicated CURRENT_NODE_IP /
// ALL_NODE_IPS cluster variables, and validates the result. An empty path
// skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	if err := loadClusterEnv(k); err != nil {
		return nil, fmt.Errorf("load cluster env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper resolves a LOCATIOND_ variable through the explicit table.
// Returning the empty string makes koanf drop the variable.
func envKeyMapper(s string) string {
	return envKeys[s]
}

// loadClusterEnv overlays the dedicated cluster environment variables.
// These are the historical deployment interface and win over every other
// layer.
func loadClusterEnv(k *koanf.Koanf) error {
	if v := strings.TrimSpace(os.Getenv("CURRENT_NODE_IP")); v != "" {
		if err := k.Set("cluster.current_node_ip", v); err != nil {
			return fmt.Errorf("set current node ip: %w", err)
		}
	}
	if v := strings.TrimSpace(os.Getenv("ALL_NODE_IPS")); v != "" {
		parts := strings.Split(v, ",")
		ips := make([]string, 0, len(parts))
		for _, p := range parts {
			ips = append(ips, strings.TrimSpace(p))
		}
		if err := k.Set("cluster.all_node_ips", ips); err != nil {
			return fmt.Errorf("set cluster node ips: %w", err)
		}
	}
	return nil
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"registry.initial_pool_size":          defaults.Registry.InitialPoolSize,
		"registry.refresh_threshold_fraction": defaults.Registry.RefreshThresholdFraction,
		"registry.refresh_batch_size":         defaults.Registry.RefreshBatchSize,
		"registry.shard_count":                defaults.Registry.ShardCount,
		"peering.channel_reset_debounce_ms":   defaults.Peering.ChannelResetDebounceMS,
		"peering.rpc_timeout":                 defaults.Peering.RPCTimeout.String(),
		"metrics.addr":                        defaults.Metrics.Addr,
		"metrics.path":                        defaults.Metrics.Path,
		"log.level":                           defaults.Log.Level,
		"log.format":                          defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrMissingCurrentNode indicates CURRENT_NODE_IP was not provided.
	ErrMissingCurrentNode = errors.New("cluster.current_node_ip must be set")

	// ErrClusterSize indicates the node list does not have exactly seven entries.
	ErrClusterSize = errors.New("cluster.all_node_ips must list exactly 7 endpoints")

	// ErrSelfNotInCluster indicates the current node is absent from the node list.
	ErrSelfNotInCluster = errors.New("cluster.current_node_ip must appear in cluster.all_node_ips")

	// ErrInvalidEndpoint indicates a node entry that is not a valid ip:port.
	ErrInvalidEndpoint = errors.New("cluster endpoint must be a valid ip:port")

	// ErrInvalidPoolSize indicates a non-positive initial pool size.
	ErrInvalidPoolSize = errors.New("registry.initial_pool_size must be >= 1")

	// ErrInvalidThreshold indicates a refresh threshold outside (0, 1).
	ErrInvalidThreshold = errors.New("registry.refresh_threshold_fraction must be in (0, 1)")

	// ErrInvalidShardCount indicates a non-positive registry shard count.
	ErrInvalidShardCount = errors.New("registry.shard_count must be >= 1")

	// ErrInvalidDebounce indicates a non-positive channel reset debounce.
	ErrInvalidDebounce = errors.New("peering.channel_reset_debounce_ms must be >= 1")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Cluster.CurrentNodeIP == "" {
		return ErrMissingCurrentNode
	}

	if _, err := cfg.Layout(); err != nil {
		return err
	}

	if cfg.Registry.InitialPoolSize < 1 {
		return ErrInvalidPoolSize
	}
	if f := cfg.Registry.RefreshThresholdFraction; f <= 0 || f >= 1 {
		return ErrInvalidThreshold
	}
	if cfg.Registry.ShardCount < 1 {
		return ErrInvalidShardCount
	}
	if cfg.Peering.ChannelResetDebounceMS < 1 {
		return ErrInvalidDebounce
	}

	return nil
}

// -------------------------------------------------------------------------
// Cluster Layout
// -------------------------------------------------------------------------

// RPCPortOffset is added to a node's HTTP port to derive its RPC port.
const RPCPortOffset = 80

// Endpoint is one cluster member's address.
type Endpoint struct {
	Host string
	Port int
}

// HTTPAddr returns the client HTTP listen address.
func (e Endpoint) HTTPAddr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// RPCAddr returns the peer RPC listen address (HTTP port + RPCPortOffset).
func (e Endpoint) RPCAddr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port+RPCPortOffset))
}

// RPCBaseURL returns the base URL peers use to call this endpoint.
func (e Endpoint) RPCBaseURL() string {
	return "http://" + e.RPCAddr()
}

// Layout is the resolved cluster membership: the ordered endpoints and this
// node's position among them.
type Layout struct {
	SelfID    int
	Endpoints []Endpoint
}

// Self returns this node's own endpoint.
func (l *Layout) Self() Endpoint {
	return l.Endpoints[l.SelfID]
}

// PeerRPCBaseURLs returns the RPC base URL of every other cluster member,
// keyed by node index.
func (l *Layout) PeerRPCBaseURLs() map[int]string {
	urls := make(map[int]string, len(l.Endpoints)-1)
	for i, e := range l.Endpoints {
		if i == l.SelfID {
			continue
		}
		urls[i] = e.RPCBaseURL()
	}
	return urls
}

// Layout parses and validates the cluster section into a Layout.
func (cfg *Config) Layout() (*Layout, error) {
	if len(cfg.Cluster.AllNodeIPs) != location.ClusterSize {
		return nil, fmt.Errorf("have %d endpoints: %w", len(cfg.Cluster.AllNodeIPs), ErrClusterSize)
	}

	current := strings.TrimSpace(cfg.Cluster.CurrentNodeIP)
	selfID := -1

	endpoints := make([]Endpoint, 0, location.ClusterSize)
	for i, raw := range cfg.Cluster.AllNodeIPs {
		raw = strings.TrimSpace(raw)

		host, portStr, err := net.SplitHostPort(raw)
		if err != nil {
			return nil, fmt.Errorf("endpoint %d %q: %w", i, raw, ErrInvalidEndpoint)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535-RPCPortOffset {
			return nil, fmt.Errorf("endpoint %d %q port: %w", i, raw, ErrInvalidEndpoint)
		}

		endpoints = append(endpoints, Endpoint{Host: host, Port: port})
		if raw == current {
			selfID = i
		}
	}

	if selfID < 0 {
		return nil, fmt.Errorf("current node %q: %w", current, ErrSelfNotInCluster)
	}

	return &Layout{SelfID: selfID, Endpoints: endpoints}, nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
