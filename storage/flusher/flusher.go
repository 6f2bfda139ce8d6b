// Package flusher enforces the durability strategy of the active segment and
// runs background segment work such as hint emission.
package flusher

import (
	"sync"
	"time"

	"cask/config"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

const workQueueSize = 100

// Target is a segment that can be flushed while other goroutines use it.
type Target interface {
	ID() uint64
	Sync() error
	Dirty() bool
	Acquire() bool
	Release() error
}

type Flusher struct {
	logger   log.Logger
	strategy config.SyncStrategy
	interval time.Duration
	active   func() Target
	metrics  *Metrics

	mutex     sync.Mutex
	running   bool
	stopped   bool
	workQueue chan func()
	stopc     chan chan struct{}
}

type Metrics struct {
	fsyncs        prometheus.Counter
	fsyncFailures prometheus.Counter
	fsyncDuration prometheus.Summary
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.fsyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fsyncs_total",
		Help: "Total number of segment fsyncs.",
	})

	m.fsyncFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fsync_failures_total",
		Help: "Total number of segment fsyncs that failed.",
	})

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of segment fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	if registerer != nil {
		registerer.MustRegister(m.fsyncs, m.fsyncFailures, m.fsyncDuration)
	}

	return m
}

// New creates a flusher. active must return the current write target; it is
// only consulted by the interval strategy.
func New(logger log.Logger, registerer prometheus.Registerer, strategy config.SyncStrategy, interval time.Duration, active func() Target) *Flusher {
	if registerer != nil {
		registerer = prometheus.WrapRegistererWithPrefix("storage_flusher_", registerer)
	}

	return &Flusher{
		logger:    log.With(logger, "component", "flusher"),
		strategy:  strategy,
		interval:  interval,
		active:    active,
		metrics:   NewMetrics(registerer),
		workQueue: make(chan func(), workQueueSize),
		stopc:     make(chan chan struct{}),
	}
}

func (f *Flusher) Strategy() config.SyncStrategy {
	return f.strategy
}

// Run starts the background loop.
func (f *Flusher) Run() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.running || f.stopped {
		return
	}
	f.running = true

	go f.run()
}

func (f *Flusher) run() {
	var tick <-chan time.Time
	if f.strategy == config.SyncInterval {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

Loop:
	for {
		select {
		case <-tick:
			f.timeTick()
		case fn := <-f.workQueue:
			fn()
		case donec := <-f.stopc:
			defer close(donec)
			break Loop
		}
	}

	for {
		select {
		case fn := <-f.workQueue:
			fn()
		default:
			return
		}
	}
}

func (f *Flusher) timeTick() {
	t := f.active()
	if t == nil || !t.Acquire() {
		return
	}
	defer t.Release()

	if !t.Dirty() {
		return
	}

	if err := f.fsync(t); err != nil {
		level.Error(f.logger).Log("msg", "periodic flush failed", "segment", t.ID(), "err", err)
	}
}

// AfterAppend applies the strategy to a segment that was just written.
// Only SyncOS blocks the caller.
func (f *Flusher) AfterAppend(t Target) error {
	if f.strategy != config.SyncOS {
		return nil
	}
	return f.fsync(t)
}

// Flush forces t to stable storage regardless of the strategy. It is used
// before a segment is sealed so every immutable segment is durable.
func (f *Flusher) Flush(t Target) error {
	if !t.Dirty() {
		return nil
	}
	return f.fsync(t)
}

func (f *Flusher) fsync(t Target) error {
	now := time.Now()
	err := t.Sync()

	f.metrics.fsyncDuration.Observe(time.Since(now).Seconds())
	f.metrics.fsyncs.Inc()
	if err != nil {
		f.metrics.fsyncFailures.Inc()
	}

	return err
}

// Enqueue schedules fn on the background loop, or runs it inline when the
// loop is not running.
func (f *Flusher) Enqueue(fn func()) {
	f.mutex.Lock()
	if !f.running {
		f.mutex.Unlock()
		fn()
		return
	}

	select {
	case f.workQueue <- fn:
		f.mutex.Unlock()
	default:
		f.mutex.Unlock()
		fn()
	}
}

// Stop terminates the loop after draining queued work.
func (f *Flusher) Stop() {
	f.mutex.Lock()
	if !f.running {
		f.stopped = true
		f.mutex.Unlock()
		return
	}
	f.running = false
	f.stopped = true
	f.mutex.Unlock()

	donec := make(chan struct{})
	f.stopc <- donec
	<-donec
}
