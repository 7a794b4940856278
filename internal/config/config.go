package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ServerType classifies the node for the placement authority.
type ServerType string

const (
	// ServerTypeHistorical serves immutable historical segments.
	ServerTypeHistorical ServerType = "historical"

	// ServerTypeBroker mirrors segments for query fan-in and never persists.
	ServerTypeBroker ServerType = "broker"
)

// IsSegmentServer reports whether this node type serves segments from local
// storage and therefore watches a load queue.
func (t ServerType) IsSegmentServer() bool {
	return t == ServerTypeHistorical
}

// LocationConfig describes one local directory segments can be stored in.
type LocationConfig struct {
	// Path is the root directory for segment data.
	Path string

	// MaxSize is the byte budget for this location.
	MaxSize int64

	// FreeSpacePercent keeps this much of MaxSize unused (0 disables).
	FreeSpacePercent float64
}

// Config holds all configuration for a segment server node
type Config struct {
	// Node identification
	ServerName string
	Host       string
	ServerType ServerType
	Tier       string
	Priority   int

	// HTTP API
	HTTPPort int

	// Coordination store
	Endpoints   []string      // etcd endpoints
	BasePath    string        // root path for all coordination keys
	SessionTTL  time.Duration // ephemeral entry lease TTL
	DialTimeout time.Duration

	// Load queue parameters
	NumLoadingThreads int           // max concurrent segment loads and drops
	AnnounceInterval  time.Duration // batching interval for startup announcements
	DropDelay         time.Duration // grace period before a drop is executed

	// Local segment storage
	InfoDir   string // directory of cached-segment descriptor files
	Locations []LocationConfig

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:              "127.0.0.1",
		ServerType:        ServerTypeHistorical,
		Tier:              "_default_tier",
		Priority:          0,
		HTTPPort:          8083,
		Endpoints:         []string{"127.0.0.1:2379"},
		BasePath:          "/stevedore",
		SessionTTL:        30 * time.Second,
		DialTimeout:       5 * time.Second,
		NumLoadingThreads: 4,
		AnnounceInterval:  50 * time.Millisecond,
		DropDelay:         30 * time.Second,
		InfoDir:           "segment-cache/info_dir",
		Locations: []LocationConfig{
			{Path: "segment-cache/data", MaxSize: 10 << 30},
		},
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server name must be set")
	}
	if strings.ContainsAny(c.ServerName, "/ ") {
		return errors.Newf("server name %q must not contain slashes or spaces", c.ServerName)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return errors.Newf("invalid HTTP port: %d", c.HTTPPort)
	}
	if len(c.Endpoints) == 0 {
		return errors.New("at least one coordination store endpoint is required")
	}
	if !strings.HasPrefix(c.BasePath, "/") || strings.HasSuffix(c.BasePath, "/") {
		return errors.Newf("base path %q must start with but not end with a slash", c.BasePath)
	}
	if c.SessionTTL < time.Second {
		return errors.Newf("session TTL %s is below the 1s minimum", c.SessionTTL)
	}
	if c.NumLoadingThreads < 1 {
		return errors.Newf("num loading threads must be at least 1, got %d", c.NumLoadingThreads)
	}
	if c.AnnounceInterval <= 0 {
		return errors.New("announce interval must be positive")
	}
	if c.DropDelay < 0 {
		return errors.New("drop delay must not be negative")
	}
	if c.InfoDir == "" {
		return errors.New("info dir must be set")
	}
	if len(c.Locations) == 0 {
		return errors.New("at least one storage location is required")
	}
	for _, loc := range c.Locations {
		if loc.Path == "" {
			return errors.New("storage location path must be set")
		}
		if loc.MaxSize <= 0 {
			return errors.Newf("storage location %s max size must be positive", loc.Path)
		}
		if loc.FreeSpacePercent < 0 || loc.FreeSpacePercent >= 100 {
			return errors.Newf("storage location %s free space percent %v out of range", loc.Path, loc.FreeSpacePercent)
		}
	}
	return nil
}

// MaxStorageSize returns the summed byte budget across all locations.
func (c *Config) MaxStorageSize() int64 {
	var total int64
	for _, loc := range c.Locations {
		total += loc.MaxSize
	}
	return total
}

// LoadQueuePath returns the queue root watched by this node.
func (c *Config) LoadQueuePath() string {
	return c.BasePath + "/loadQueue/" + c.ServerName
}

// SegmentsPath returns the path segments are announced under.
func (c *Config) SegmentsPath() string {
	return c.BasePath + "/segments/" + c.ServerName
}

// AnnouncementsPath returns the path of the node's liveness entry.
func (c *Config) AnnouncementsPath() string {
	return c.BasePath + "/announcements/" + c.ServerName
}
