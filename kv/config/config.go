package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type Config struct {
	ShardID  uint64 `toml:"shard-id"`
	LogLevel string `toml:"log-level"`
	LogFile  string `toml:"log-file"`

	DBPath string `toml:"db-path"` // Directory to store the data in. Should exist and be writable.

	// EnableMvcc turns on version-level tracking. Without it every admission uses the coarse barrier and explicit
	// snapshots are refused.
	EnableMvcc bool `toml:"enable-mvcc"`
	// DisableImmediateBarrier skips the post-restart barrier once MVCC tracking is authoritative.
	DisableImmediateBarrier bool `toml:"disable-immediate-barrier"`
	// Max planned operations executing ahead of an unresolved earlier one. 0 means unlimited.
	OutOfOrderLimit int `toml:"out-of-order-limit"`

	// Proposals beyond this many queued operations are rejected as overloaded.
	MaxQueuedOperations int `toml:"max-queued-operations"`
	// Proposals per second, 0 disables the limiter.
	ProposeRateLimit float64 `toml:"propose-rate-limit"`
	ProposeBurst     int     `toml:"propose-burst"`
	// Upper bound of a readset payload, e.g. "4MiB".
	MaxReadSetPayload ByteSize `toml:"max-readset-payload"`

	BaseTickInterval Duration `toml:"base-tick-interval"`
	// Ticks between re-sends of our readsets for promised operations.
	ReadSetResendTicks int `toml:"readset-resend-ticks"`
	// Plan steps the outcome of a finished operation stays answerable once every peer confirmed it. 0 keeps
	// outcomes for good.
	TerminalRetentionSteps uint64 `toml:"terminal-retention-steps"`

	// Address the simulator serves metrics on, empty to disable.
	MetricsAddr string `toml:"metrics-addr"`
}

func (c *Config) Validate() error {
	if c.BaseTickInterval.Duration <= 0 {
		return fmt.Errorf("base tick interval must be greater than 0")
	}
	if c.ReadSetResendTicks <= 0 {
		return fmt.Errorf("readset resend ticks must be greater than 0")
	}
	if c.MaxQueuedOperations <= 0 {
		return fmt.Errorf("max queued operations must be greater than 0")
	}
	if c.OutOfOrderLimit < 0 {
		return fmt.Errorf("out of order limit can't be negative")
	}
	if c.ProposeRateLimit > 0 && c.ProposeBurst <= 0 {
		return fmt.Errorf("propose burst must be greater than 0 when rate limit is set")
	}
	if c.DisableImmediateBarrier && !c.EnableMvcc {
		log.Warn("immediate barrier can only be disabled with mvcc, keeping it", zap.Uint64("shard-id", c.ShardID))
		c.DisableImmediateBarrier = false
	}
	return nil
}

// LoadFile decodes a TOML file over a default config.
func LoadFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.WithStack(err)
	}
	return c, c.Validate()
}

// Clone returns a copy with ShardID replaced.
func (c *Config) Clone(shardID uint64) *Config {
	cfg := *c
	cfg.ShardID = shardID
	return &cfg
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:            getLogLevel(),
		DBPath:              "/tmp/tinyshard",
		EnableMvcc:          true,
		OutOfOrderLimit:     0,
		MaxQueuedOperations: 10000,
		MaxReadSetPayload:   ByteSize(4 * MB),
		BaseTickInterval:    NewDuration(100 * time.Millisecond),
		ReadSetResendTicks:  50,

		TerminalRetentionSteps: 1000,
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:            getLogLevel(),
		DBPath:              "/tmp/tinyshard-test",
		EnableMvcc:          true,
		MaxQueuedOperations: 1000,
		MaxReadSetPayload:   ByteSize(MB),
		BaseTickInterval:    NewDuration(10 * time.Millisecond),
		ReadSetResendTicks:  20,

		TerminalRetentionSteps: 100,
	}
}

// Duration is a time.Duration that decodes from strings like "100ms".
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ByteSize is a size in bytes that decodes from strings like "4MiB".
type ByteSize uint64

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.WithStack(err)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}
