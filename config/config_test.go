package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptionsAreValid(t *testing.T) {
	opts := DefaultOptions()

	require.NoError(t, opts.Validate())
	assert.Equal(t, int64(DefaultMaxFileSize), opts.MaxFileSize)
	assert.Equal(t, SyncInterval, opts.SyncStrategy)
	assert.True(t, opts.HintFiles)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(o *Options){
		"zero max file size":     func(o *Options) { o.MaxFileSize = 0 },
		"negative max file size": func(o *Options) { o.MaxFileSize = -1 },
		"interval without period": func(o *Options) {
			o.SyncStrategy = SyncInterval
			o.SyncInterval = 0
		},
		"unknown sync strategy": func(o *Options) { o.SyncStrategy = 42 },
		"zero compaction interval": func(o *Options) {
			o.CompactionTrigger = TriggerInterval
			o.CompactionInterval = 0
		},
		"zero operation count": func(o *Options) {
			o.CompactionTrigger = TriggerOperations
			o.CompactionOperations = 0
		},
		"unknown trigger":    func(o *Options) { o.CompactionTrigger = 7 },
		"zero garbage ratio": func(o *Options) { o.GarbageRatio = 0 },
		"ratio above one":    func(o *Options) { o.GarbageRatio = 1.5 },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			mutate(&opts)

			err := opts.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestSyncNoneIgnoresInterval(t *testing.T) {
	opts := DefaultOptions()
	opts.SyncStrategy = SyncNone
	opts.SyncInterval = 0

	assert.NoError(t, opts.Validate())
}

func TestParse(t *testing.T) {
	s, err := ParseSyncStrategy("OS")
	require.NoError(t, err)
	assert.Equal(t, SyncOS, s)
	assert.Equal(t, "os", s.String())

	_, err = ParseSyncStrategy("sometimes")
	assert.True(t, errors.Is(err, ErrInvalid))

	tr, err := ParseCompactionTrigger("ops")
	require.NoError(t, err)
	assert.Equal(t, TriggerOperations, tr)

	_, err = ParseCompactionTrigger("never")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoad(t *testing.T) {
	dir, err := os.MkdirTemp("", "config_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("CASK_SYNC=os\nCASK_MAX_FILE_SIZE=4096\n"), 0o644))

	t.Setenv("CASK_DATA_DIR", "/var/lib/cask")
	t.Setenv("CASK_COMPACTION_TRIGGER", "operations")
	t.Setenv("CASK_COMPACTION_OPERATIONS", "250")
	t.Setenv("CASK_SYNC_INTERVAL", "250ms")
	// godotenv never overrides variables that are already set; make sure
	// the ones from the file start unset.
	t.Setenv("CASK_SYNC", "")
	os.Unsetenv("CASK_SYNC")
	t.Setenv("CASK_MAX_FILE_SIZE", "")
	os.Unsetenv("CASK_MAX_FILE_SIZE")

	cfg, err := Load(env)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cask", cfg.DataDir)
	assert.Equal(t, SyncOS, cfg.Engine.SyncStrategy)
	assert.Equal(t, int64(4096), cfg.Engine.MaxFileSize)
	assert.Equal(t, TriggerOperations, cfg.Engine.CompactionTrigger)
	assert.Equal(t, uint64(250), cfg.Engine.CompactionOperations)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.SyncInterval)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CASK_MAX_FILE_SIZE", "0")

	_, err := Load("")
	assert.True(t, errors.Is(err, ErrInvalid))

	t.Setenv("CASK_MAX_FILE_SIZE", "lots")

	_, err = Load("")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(os.TempDir(), "does-not-exist.env"))
	assert.NoError(t, err)
}
