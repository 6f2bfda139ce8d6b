package flusher

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cask/config"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSegment struct {
	syncs   atomic.Int64
	dirty   atomic.Bool
	failErr error
}

func (s *fakeSegment) ID() uint64     { return 1 }
func (s *fakeSegment) Dirty() bool    { return s.dirty.Load() }
func (s *fakeSegment) Acquire() bool  { return true }
func (s *fakeSegment) Release() error { return nil }

func (s *fakeSegment) Sync() error {
	s.syncs.Add(1)
	s.dirty.Store(false)
	return s.failErr
}

func newFlusher(strategy config.SyncStrategy, interval time.Duration, seg *fakeSegment) (*Flusher, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	f := New(log.NewNopLogger(), registry, strategy, interval, func() Target { return seg })
	return f, registry
}

func TestSyncOSFlushesEveryAppend(t *testing.T) {
	seg := &fakeSegment{}
	f, _ := newFlusher(config.SyncOS, 0, seg)

	for i := 0; i < 3; i++ {
		seg.dirty.Store(true)
		require.NoError(t, f.AfterAppend(seg))
	}

	assert.Equal(t, int64(3), seg.syncs.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.fsyncs))
}

func TestSyncNoneNeverFlushesOnAppend(t *testing.T) {
	seg := &fakeSegment{}
	f, _ := newFlusher(config.SyncNone, 0, seg)
	f.Run()
	defer f.Stop()

	seg.dirty.Store(true)
	require.NoError(t, f.AfterAppend(seg))
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, seg.syncs.Load())
}

func TestSyncIntervalFlushesDirtySegment(t *testing.T) {
	seg := &fakeSegment{}
	f, _ := newFlusher(config.SyncInterval, 5*time.Millisecond, seg)
	f.Run()
	defer f.Stop()

	require.NoError(t, f.AfterAppend(seg))
	assert.Zero(t, seg.syncs.Load(), "interval strategy must not block appends")

	seg.dirty.Store(true)
	require.Eventually(t, func() bool { return seg.syncs.Load() == 1 }, time.Second, time.Millisecond)

	// A clean segment is not synced again.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(1), seg.syncs.Load())
}

func TestFlushIgnoresStrategy(t *testing.T) {
	seg := &fakeSegment{}
	f, _ := newFlusher(config.SyncNone, 0, seg)

	require.NoError(t, f.Flush(seg))
	assert.Zero(t, seg.syncs.Load(), "clean segment needs no flush")

	seg.dirty.Store(true)
	require.NoError(t, f.Flush(seg))
	assert.Equal(t, int64(1), seg.syncs.Load())
}

func TestFsyncFailureCounted(t *testing.T) {
	seg := &fakeSegment{failErr: errors.New("disk gone")}
	f, _ := newFlusher(config.SyncOS, 0, seg)

	seg.dirty.Store(true)
	assert.Error(t, f.AfterAppend(seg))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.fsyncFailures))
}

func TestStopDrainsQueuedWork(t *testing.T) {
	seg := &fakeSegment{}
	f, _ := newFlusher(config.SyncNone, 0, seg)
	f.Run()

	var wg sync.WaitGroup
	var done atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		f.Enqueue(func() {
			defer wg.Done()
			done.Add(1)
		})
	}

	f.Stop()
	wg.Wait()
	assert.Equal(t, int64(20), done.Load())

	// After stop, work runs inline.
	ran := false
	f.Enqueue(func() { ran = true })
	assert.True(t, ran)
}
