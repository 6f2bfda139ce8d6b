package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	DefaultMaxFileSize          = 100 * 1024 * 1024
	DefaultSyncInterval         = time.Second
	DefaultCompactionInterval   = time.Minute
	DefaultCompactionOperations = 10000
	DefaultGarbageRatio         = 0.5
)

var ErrInvalid = errors.New("invalid configuration")

type SyncStrategy int

const (
	// SyncNone leaves write-back to the operating system.
	SyncNone SyncStrategy = iota
	// SyncOS forces every append to stable storage before the write returns.
	SyncOS
	// SyncInterval flushes the active segment on a fixed period.
	SyncInterval
)

func (s SyncStrategy) String() string {
	switch s {
	case SyncNone:
		return "none"
	case SyncOS:
		return "os"
	case SyncInterval:
		return "interval"
	default:
		return fmt.Sprintf("sync(%d)", int(s))
	}
}

func ParseSyncStrategy(s string) (SyncStrategy, error) {
	switch strings.ToLower(s) {
	case "none":
		return SyncNone, nil
	case "os", "always":
		return SyncOS, nil
	case "interval":
		return SyncInterval, nil
	}
	return 0, errors.Wrapf(ErrInvalid, "unknown sync strategy %q", s)
}

type CompactionTrigger int

const (
	// TriggerInterval checks for garbage every CompactionInterval.
	TriggerInterval CompactionTrigger = iota
	// TriggerOperations checks after every CompactionOperations writes.
	TriggerOperations
)

func (t CompactionTrigger) String() string {
	switch t {
	case TriggerInterval:
		return "interval"
	case TriggerOperations:
		return "operations"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

func ParseCompactionTrigger(s string) (CompactionTrigger, error) {
	switch strings.ToLower(s) {
	case "interval", "time":
		return TriggerInterval, nil
	case "operations", "ops", "count":
		return TriggerOperations, nil
	}
	return 0, errors.Wrapf(ErrInvalid, "unknown compaction trigger %q", s)
}

// Options is validated once when the engine opens and never changes afterwards.
type Options struct {
	MaxFileSize int64

	SyncStrategy SyncStrategy
	SyncInterval time.Duration

	CompactionTrigger    CompactionTrigger
	CompactionInterval   time.Duration
	CompactionOperations uint64
	// GarbageRatio is the fraction of dead bytes across immutable segments
	// at which a compaction cycle starts.
	GarbageRatio float64

	// HintFiles controls whether sealed segments get a hint file.
	HintFiles bool
}

func DefaultOptions() Options {
	return Options{
		MaxFileSize:          DefaultMaxFileSize,
		SyncStrategy:         SyncInterval,
		SyncInterval:         DefaultSyncInterval,
		CompactionTrigger:    TriggerInterval,
		CompactionInterval:   DefaultCompactionInterval,
		CompactionOperations: DefaultCompactionOperations,
		GarbageRatio:         DefaultGarbageRatio,
		HintFiles:            true,
	}
}

func (o Options) Validate() error {
	if o.MaxFileSize <= 0 {
		return errors.Wrapf(ErrInvalid, "max file size must be positive, got %d", o.MaxFileSize)
	}

	switch o.SyncStrategy {
	case SyncNone, SyncOS:
	case SyncInterval:
		if o.SyncInterval <= 0 {
			return errors.Wrapf(ErrInvalid, "sync interval must be positive, got %s", o.SyncInterval)
		}
	default:
		return errors.Wrapf(ErrInvalid, "unknown sync strategy %d", o.SyncStrategy)
	}

	switch o.CompactionTrigger {
	case TriggerInterval:
		if o.CompactionInterval <= 0 {
			return errors.Wrapf(ErrInvalid, "compaction interval must be positive, got %s", o.CompactionInterval)
		}
	case TriggerOperations:
		if o.CompactionOperations == 0 {
			return errors.Wrap(ErrInvalid, "compaction operation count must be positive")
		}
	default:
		return errors.Wrapf(ErrInvalid, "unknown compaction trigger %d", o.CompactionTrigger)
	}

	if o.GarbageRatio <= 0 || o.GarbageRatio > 1 {
		return errors.Wrapf(ErrInvalid, "garbage ratio must be in (0, 1], got %v", o.GarbageRatio)
	}

	return nil
}

type Config struct {
	DataDir string
	Engine  Options
}

// Load reads CASK_* variables, after merging the optional env file into the
// process environment. Unset variables keep their defaults.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, errors.Wrapf(err, "load %s", envFile)
		}
	}

	cfg := Config{
		DataDir: "data",
		Engine:  DefaultOptions(),
	}

	if v, ok := os.LookupEnv("CASK_DATA_DIR"); ok {
		cfg.DataDir = v
	}

	var err error
	lookup := func(name string, parse func(string) error) {
		v, ok := os.LookupEnv(name)
		if !ok || err != nil {
			return
		}
		if perr := parse(v); perr != nil {
			err = errors.Wrapf(ErrInvalid, "%s=%q: %v", name, v, perr)
		}
	}

	lookup("CASK_MAX_FILE_SIZE", func(v string) (err error) {
		cfg.Engine.MaxFileSize, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	lookup("CASK_SYNC", func(v string) (err error) {
		cfg.Engine.SyncStrategy, err = ParseSyncStrategy(v)
		return err
	})
	lookup("CASK_SYNC_INTERVAL", func(v string) (err error) {
		cfg.Engine.SyncInterval, err = time.ParseDuration(v)
		return err
	})
	lookup("CASK_COMPACTION_TRIGGER", func(v string) (err error) {
		cfg.Engine.CompactionTrigger, err = ParseCompactionTrigger(v)
		return err
	})
	lookup("CASK_COMPACTION_INTERVAL", func(v string) (err error) {
		cfg.Engine.CompactionInterval, err = time.ParseDuration(v)
		return err
	})
	lookup("CASK_COMPACTION_OPERATIONS", func(v string) (err error) {
		cfg.Engine.CompactionOperations, err = strconv.ParseUint(v, 10, 64)
		return err
	})
	lookup("CASK_GARBAGE_RATIO", func(v string) (err error) {
		cfg.Engine.GarbageRatio, err = strconv.ParseFloat(v, 64)
		return err
	})
	lookup("CASK_HINT_FILES", func(v string) (err error) {
		cfg.Engine.HintFiles, err = strconv.ParseBool(v)
		return err
	})

	if err != nil {
		return Config{}, err
	}

	return cfg, cfg.Engine.Validate()
}
