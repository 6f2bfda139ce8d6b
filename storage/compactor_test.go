package storage

import (
	"fmt"
	"os"
	"testing"
	"time"

	"cask/config"
	"cask/storage/segment"

	"github.com/go-faker/faker/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(t *testing.T, e *Engine, keys []string) map[string]string {
	values := make(map[string]string, len(keys))
	for _, key := range keys {
		got, err := e.Get([]byte(key))
		if err == ErrKeyNotFound {
			continue
		}
		require.NoError(t, err, key)
		values[key] = string(got)
	}
	return values
}

func fillOverwrites(t *testing.T, e *Engine, keys []string, rounds int) {
	for i := 0; i < rounds; i++ {
		for _, key := range keys {
			require.NoError(t, e.Put([]byte(key), []byte(faker.Sentence())))
		}
	}
}

func TestCompactionPreservesValues(t *testing.T) {
	dir := tempDir(t)
	opts := testOptions()
	opts.MaxFileSize = 256

	e := openEngine(t, dir, opts)

	keys := []string{"one", "two", "three", "four", "five"}
	fillOverwrites(t, e, keys, 10)
	require.NoError(t, e.Delete([]byte("three")))

	before := snapshot(t, e, keys)
	diskBefore := e.Stats().DiskBytes

	require.NoError(t, e.Compact())

	assert.Equal(t, before, snapshot(t, e, keys))
	assert.Less(t, e.Stats().DiskBytes, diskBefore)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.compactions))
	assert.Positive(t, testutil.ToFloat64(e.metrics.compactionReclaimed))

	require.NoError(t, e.Close())

	e = openEngine(t, dir, opts)
	defer e.Close()

	assert.Equal(t, before, snapshot(t, e, keys))
}

func TestCompactionWithoutImmutableSegments(t *testing.T) {
	e := openEngine(t, tempDir(t), testOptions())
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))

	result, err := e.compactor.Compact()
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestCompactionDropsTombstones(t *testing.T) {
	dir := tempDir(t)
	opts := testOptions()
	opts.MaxFileSize = 64

	e := openEngine(t, dir, opts)

	value := []byte("01234567890123456789")
	require.NoError(t, e.Put([]byte("gone"), value))
	require.NoError(t, e.Put([]byte("kept"), value))
	require.NoError(t, e.Delete([]byte("gone")))
	require.NoError(t, e.Put([]byte("filler"), value))

	entry, ok := e.keydir.Lookup([]byte("gone"))
	require.True(t, ok)
	require.True(t, entry.Tombstone)
	require.NotEqual(t, e.Stats().ActiveSegment, entry.SegmentID, "tombstone must sit in an immutable segment")

	result, err := e.compactor.Compact()
	require.NoError(t, err)
	assert.Equal(t, 1, result.DroppedTombstones)

	_, ok = e.keydir.Lookup([]byte("gone"))
	assert.False(t, ok)

	require.NoError(t, e.Close())

	e = openEngine(t, dir, opts)
	defer e.Close()

	_, err = e.Get([]byte("gone"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	got, err := e.Get([]byte("kept"))
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestCompactionKeepsTombstoneShadowingOlderSegment(t *testing.T) {
	dir := tempDir(t)
	opts := testOptions()
	opts.MaxFileSize = 64

	e := openEngine(t, dir, opts)
	defer e.Close()

	value := []byte("01234567890123456789")
	require.NoError(t, e.Put([]byte("k"), value))
	require.NoError(t, e.Put([]byte("x"), value))
	require.NoError(t, e.Delete([]byte("k")))
	require.NoError(t, e.Put([]byte("y"), value))
	require.NoError(t, e.Put([]byte("y"), value))

	// Merge only the segment holding the tombstone; the older value of "k"
	// stays outside the merge.
	set := e.segments.Load()
	require.Len(t, set.immutable, 2)

	result, err := e.compactor.compact(set.immutable[1:])
	require.NoError(t, err)
	assert.Equal(t, []uint64{set.immutable[1].ID()}, result.Inputs)
	assert.Zero(t, result.DroppedTombstones)

	entry, ok := e.keydir.Lookup([]byte("k"))
	require.True(t, ok)
	assert.True(t, entry.Tombstone)
}

func TestCompactionDefersRemovalWhileReferenced(t *testing.T) {
	dir := tempDir(t)
	opts := testOptions()
	opts.MaxFileSize = 64

	e := openEngine(t, dir, opts)
	defer e.Close()

	value := []byte("01234567890123456789")
	require.NoError(t, e.Put([]byte("a"), value))
	require.NoError(t, e.Put([]byte("a"), value))

	input := e.segments.Load().immutable[0]
	require.True(t, input.Acquire())

	require.NoError(t, e.Compact())

	_, err := os.Stat(segment.DataName(dir, input.ID()))
	require.NoError(t, err, "segment in use must stay on disk")
	assert.Equal(t, segment.Obsolete, input.State())

	b, err := input.ReadAt(0, 1)
	require.NoError(t, err)
	assert.Len(t, b, 1)

	require.NoError(t, input.Release())

	_, err = os.Stat(segment.DataName(dir, input.ID()))
	assert.True(t, os.IsNotExist(err))
}

func TestRecoveryDiscardsUnfinishedMerge(t *testing.T) {
	dir := tempDir(t)
	opts := testOptions()

	e := openEngine(t, dir, opts)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())

	leftover := segment.MergeName(dir, 42)
	require.NoError(t, os.WriteFile(leftover, []byte(faker.Paragraph()), 0o644))

	e = openEngine(t, dir, opts)
	defer e.Close()

	_, err := os.Stat(leftover)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []uint64{0}, dataFiles(t, dir))

	got, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestRecoveryRemovesSupersededSegments(t *testing.T) {
	dir := tempDir(t)
	opts := testOptions()
	opts.MaxFileSize = 128

	e := openEngine(t, dir, opts)

	keys := []string{"a", "b", "c"}
	fillOverwrites(t, e, keys, 6)
	expected := snapshot(t, e, keys)

	inputs := make(map[uint64][]byte)
	for _, seg := range e.segments.Load().immutable {
		b, err := os.ReadFile(segment.DataName(dir, seg.ID()))
		require.NoError(t, err)
		inputs[seg.ID()] = b
	}
	require.NotEmpty(t, inputs)

	result, err := e.compactor.Compact()
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// Bring the inputs back as if the process died before deleting them.
	for id, b := range inputs {
		require.NoError(t, os.WriteFile(segment.DataName(dir, id), b, 0o644))
	}

	e = openEngine(t, dir, opts)
	defer e.Close()

	for id := range inputs {
		_, err := os.Stat(segment.DataName(dir, id))
		assert.True(t, os.IsNotExist(err), "segment %d", id)
	}

	assert.Equal(t, expected, snapshot(t, e, keys))
	assert.Contains(t, dataFiles(t, dir), result.Output)
}

func TestOperationTriggeredCompaction(t *testing.T) {
	opts := testOptions()
	opts.MaxFileSize = 128
	opts.CompactionTrigger = config.TriggerOperations
	opts.CompactionOperations = 10
	opts.GarbageRatio = 0.3

	e := openEngine(t, tempDir(t), opts)
	defer e.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, e.Put([]byte("hot"), []byte(fmt.Sprintf("value-%d", i))))
	}

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(e.metrics.compactions) > 0
	}, 5*time.Second, 10*time.Millisecond)

	got, err := e.Get([]byte("hot"))
	require.NoError(t, err)
	assert.Equal(t, "value-99", string(got))
}

func TestIntervalTriggeredCompaction(t *testing.T) {
	opts := testOptions()
	opts.MaxFileSize = 128
	opts.CompactionInterval = 20 * time.Millisecond
	opts.GarbageRatio = 0.3

	e := openEngine(t, tempDir(t), opts)
	defer e.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, e.Put([]byte("hot"), []byte(fmt.Sprintf("value-%d", i))))
	}

	assert.Eventually(t, func() bool {
		ratio, _, _ := e.compactor.Garbage()
		return testutil.ToFloat64(e.metrics.compactions) > 0 && ratio < opts.GarbageRatio
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGarbageRatio(t *testing.T) {
	opts := testOptions()
	opts.MaxFileSize = 64

	e := openEngine(t, tempDir(t), opts)
	defer e.Close()

	ratio, dead, total := e.compactor.Garbage()
	assert.Zero(t, ratio)
	assert.Zero(t, dead)
	assert.Zero(t, total)

	value := []byte("01234567890123456789")
	require.NoError(t, e.Put([]byte("a"), value))
	require.NoError(t, e.Put([]byte("a"), value))

	// Segment 0 holds two records for "a", only the second is live and it
	// is the one in segment 0 since the active segment is still empty.
	ratio, dead, total = e.compactor.Garbage()
	assert.Equal(t, int64(100), total)
	assert.Equal(t, int64(50), dead)
	assert.InDelta(t, 0.5, ratio, 1e-9)
}

func TestCompactionSkipsCarriedTombstones(t *testing.T) {
	dir := tempDir(t)
	opts := testOptions()
	opts.MaxFileSize = 64

	e := openEngine(t, dir, opts)

	value := []byte("01234567890123456789")
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Put([]byte("a"), value))
	}
	require.NoError(t, e.Put([]byte("b"), value))
	require.NoError(t, e.Delete([]byte("b")))

	result, err := e.compactor.Compact()
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Positive(t, result.ReclaimedBytes)
	require.NoError(t, e.Close())

	// The merged segment has the highest id and becomes active, holding
	// sequence numbers older than the tombstone of "b".
	e = openEngine(t, dir, opts)
	defer e.Close()

	require.Equal(t, result.Output, e.Stats().ActiveSegment)
	files := dataFiles(t, dir)

	ratio, dead, total := e.compactor.Garbage()
	assert.Zero(t, ratio)
	assert.Zero(t, dead)
	assert.Positive(t, total)

	for i := 0; i < 3; i++ {
		e.compactor.maybeCompact()

		result, err := e.compactor.Compact()
		require.NoError(t, err)
		assert.Nil(t, result)
	}

	assert.Equal(t, files, dataFiles(t, dir))
	assert.Zero(t, testutil.ToFloat64(e.metrics.compactions))
	assert.Zero(t, testutil.ToFloat64(e.metrics.compactionFailures))

	_, err = e.Get([]byte("b"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	got, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestCompactionFailureLeavesInputs(t *testing.T) {
	dir := tempDir(t)
	opts := testOptions()
	opts.MaxFileSize = 64

	e := openEngine(t, dir, opts)
	defer e.Close()

	value := []byte("01234567890123456789")
	require.NoError(t, e.Put([]byte("a"), value))
	require.NoError(t, e.Put([]byte("a"), value))

	inputs := e.segments.Load().immutable
	require.Len(t, inputs, 1)

	// Occupy the name of the next merge output.
	require.NoError(t, os.Mkdir(segment.MergeName(dir, e.nextID.Load()), 0o755))

	require.Error(t, e.Compact())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.compactionFailures))
	assert.Zero(t, testutil.ToFloat64(e.metrics.compactions))

	assert.Equal(t, inputs, e.segments.Load().immutable)
	assert.Equal(t, segment.Immutable, inputs[0].State())

	got, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, value, got)

	// The next cycle takes a fresh id and succeeds.
	result, err := e.compactor.Compact()
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []uint64{inputs[0].ID()}, result.Inputs)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.compactions))

	got, err = e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, value, got)
}
