package consumer

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SupportedSchema is the only config schema_version this loader accepts.
const SupportedSchema = "v1"

// StartFrom controls where a group subscription (Topics or Pattern) starts
// reading when no committed offset exists for a partition.
type StartFrom string

const (
	StartOldest StartFrom = "oldest"
	StartNewest StartFrom = "newest"
)

// Config is the struct passed in to configure a Consumer: bootstrap
// servers, group id, client id, timeouts, prefetch, offset-retrieval
// strategy, and an escape-hatch extra-properties map (see ExtraProps).
type Config struct {
	Brokers  []string `koanf:"brokers"`
	GroupID  string   `koanf:"group_id"`
	ClientID string   `koanf:"client_id"`
	Version  string   `koanf:"version"`

	StartFrom StartFrom `koanf:"start_from"`

	CloseTimeout time.Duration `koanf:"close_timeout"`
	PollInterval time.Duration `koanf:"poll_interval"`
	PollTimeout  time.Duration `koanf:"poll_timeout"`

	// PerPartitionChunkPrefetch is the high-water mark (in chunks) a
	// partition's queue may hold before the Runloop pauses it.
	PerPartitionChunkPrefetch int `koanf:"per_partition_chunk_prefetch"`

	GracefulShutdownDeadline time.Duration `koanf:"graceful_shutdown_deadline"`

	TLSEnabled bool   `koanf:"tls_enabled"`
	SASLUser   string `koanf:"sasl_user"`
	SASLPass   string `koanf:"sasl_pass"`

	// ExtraProps is an escape hatch for client settings this struct doesn't
	// otherwise expose. The Sarama client applies only the "client.rack" key
	// (as its RackID); every other key is ignored.
	ExtraProps map[string]string `koanf:"extra_props"`
}

// LoadConfig merges YAML (if present) with env-vars (prefix
// STREAMKIT_KAFKA__, delimiter __), mirroring the teacher's config loader.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Config{}, fmt.Errorf("consumer schema_version %q not supported (want %q)", sv, SupportedSchema)
	}

	_ = k.Load(env.Provider("STREAMKIT_KAFKA__", "__", nil), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.PollInterval == 0 {
		c.PollInterval = 0 // 0 means "poll back-to-back", the common case
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = 10 * time.Second
	}
	if c.PerPartitionChunkPrefetch == 0 {
		c.PerPartitionChunkPrefetch = 16
	}
	if c.GracefulShutdownDeadline == 0 {
		c.GracefulShutdownDeadline = 30 * time.Second
	}
	if c.StartFrom == "" {
		c.StartFrom = StartNewest
	}
	if c.Version == "" {
		c.Version = "2.8.1"
	}
}
