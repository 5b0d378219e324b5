// Package config defines the storage node configuration and its
// loading from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Prefix of environment variables overriding file settings, e.g.
// STORAGENODE_LOGGER_LEVEL=debug.
const envPrefix = "storagenode"

// Config configures the storage node.
type Config struct {
	Logger Logger `mapstructure:"logger"`

	Storage Storage `mapstructure:"storage"`

	Trunk Trunk `mapstructure:"trunk"`

	DIO DIO `mapstructure:"dio"`

	Pprof BasicService `mapstructure:"pprof"`

	Prometheus BasicService `mapstructure:"prometheus"`
}

// Logger configures logger settings.
type Logger struct {
	Level    string   `mapstructure:"level"`
	Encoding string   `mapstructure:"encoding"`
	Output   []string `mapstructure:"output"`
}

// Storage configures the node's disk layout.
type Storage struct {
	// WorkDir holds the binlog, checkpoint and state database.
	WorkDir string `mapstructure:"work_dir"`
	// StorePaths are the storage roots. Their order is persistent
	// state: extents reference store paths by position.
	StorePaths []string `mapstructure:"store_paths"`
}

// Trunk configures the trunk space allocator. Size fields accept
// human-readable values like "64MB".
type Trunk struct {
	FileSize    string `mapstructure:"file_size"`
	SlotMinSize string `mapstructure:"slot_min_size"`
	SlotMaxSize string `mapstructure:"slot_max_size"`
	AlignSize   string `mapstructure:"align_size"`

	MergeFreeSpaces bool `mapstructure:"merge_free_spaces"`
	CheckOccupying  bool `mapstructure:"check_occupying"`
	TrimEmptyFiles  bool `mapstructure:"trim_empty_files"`

	CompactMinInterval time.Duration `mapstructure:"compact_min_interval"`
	CompactBackup      bool          `mapstructure:"compact_backup"`

	AdvanceFileCount int    `mapstructure:"advance_file_count"`
	ReservedSpace    string `mapstructure:"reserved_space"`
}

// DIO configures the disk I/O engine.
type DIO struct {
	WritersPerPath int    `mapstructure:"writers_per_path"`
	ReadersPerPath int    `mapstructure:"readers_per_path"`
	ChunkSize      string `mapstructure:"chunk_size"`
	QueueDepth     int    `mapstructure:"queue_depth"`
	FDCacheSize    int    `mapstructure:"fd_cache_size"`
}

// BasicService configures settings of a basic auxiliary HTTP service
// like pprof or prometheus.
type BasicService struct {
	Enabled         bool          `mapstructure:"enabled"`
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// New loads the configuration from the optional file at path, applying
// defaults and environment overrides. The returned viper instance
// carries the raw settings for components that read them directly.
func New(path string) (*Config, *viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	c := new(Config)
	if err := v.Unmarshal(c); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, nil, err
	}

	return c, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")

	v.SetDefault("storage.work_dir", "/var/lib/storagenode")
	v.SetDefault("storage.store_paths", []string{})

	v.SetDefault("trunk.file_size", "64MiB")
	v.SetDefault("trunk.slot_min_size", "256B")
	v.SetDefault("trunk.slot_max_size", "16MiB")
	v.SetDefault("trunk.align_size", "0")
	v.SetDefault("trunk.merge_free_spaces", true)
	v.SetDefault("trunk.check_occupying", true)
	v.SetDefault("trunk.trim_empty_files", false)
	v.SetDefault("trunk.compact_min_interval", "24h")
	v.SetDefault("trunk.compact_backup", false)
	v.SetDefault("trunk.advance_file_count", 0)
	v.SetDefault("trunk.reserved_space", "10GiB")

	v.SetDefault("dio.writers_per_path", 1)
	v.SetDefault("dio.readers_per_path", 0)
	v.SetDefault("dio.chunk_size", "256KiB")
	v.SetDefault("dio.queue_depth", 1024)
	v.SetDefault("dio.fd_cache_size", 256)

	v.SetDefault("pprof.enabled", false)
	v.SetDefault("pprof.address", ":6060")
	v.SetDefault("pprof.shutdown_timeout", "30s")

	v.SetDefault("prometheus.enabled", false)
	v.SetDefault("prometheus.address", ":9090")
	v.SetDefault("prometheus.shutdown_timeout", "30s")
}

func (c *Config) validate() error {
	if len(c.Storage.StorePaths) == 0 {
		return fmt.Errorf("storage.store_paths must not be empty")
	}
	sizes := []struct {
		key string
		val string
	}{
		{"trunk.file_size", c.Trunk.FileSize},
		{"trunk.slot_min_size", c.Trunk.SlotMinSize},
		{"trunk.slot_max_size", c.Trunk.SlotMaxSize},
		{"trunk.align_size", c.Trunk.AlignSize},
		{"trunk.reserved_space", c.Trunk.ReservedSpace},
		{"dio.chunk_size", c.DIO.ChunkSize},
	}
	for _, s := range sizes {
		if _, err := parseSize(s.val); err != nil {
			return fmt.Errorf("%s: %w", s.key, err)
		}
	}
	return nil
}

// parseSize converts a human-readable byte size ("64MiB", "256") to a
// byte count.
func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		// plain integers pass through, including negative guards
		return cast.ToInt64E(s)
	}
	return int64(n), nil
}

func mustSize(s string) int64 {
	n, err := parseSize(s)
	if err != nil {
		panic(fmt.Sprintf("size %q not validated: %v", s, err))
	}
	return n
}

// TrunkFileSize returns trunk.file_size in bytes.
func (c *Config) TrunkFileSize() int64 { return mustSize(c.Trunk.FileSize) }

// SlotMinSize returns trunk.slot_min_size in bytes.
func (c *Config) SlotMinSize() int64 { return mustSize(c.Trunk.SlotMinSize) }

// SlotMaxSize returns trunk.slot_max_size in bytes.
func (c *Config) SlotMaxSize() int64 { return mustSize(c.Trunk.SlotMaxSize) }

// AlignSize returns trunk.align_size in bytes.
func (c *Config) AlignSize() int64 { return mustSize(c.Trunk.AlignSize) }

// ReservedSpace returns trunk.reserved_space in bytes.
func (c *Config) ReservedSpace() uint64 { return uint64(mustSize(c.Trunk.ReservedSpace)) }

// ChunkSize returns dio.chunk_size in bytes.
func (c *Config) ChunkSize() int { return int(mustSize(c.DIO.ChunkSize)) }
