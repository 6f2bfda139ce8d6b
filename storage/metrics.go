package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

type EngineMetrics struct {
	puts          prometheus.Counter
	gets          prometheus.Counter
	deletes       prometheus.Counter
	misses        prometheus.Counter
	writesFailed  prometheus.Counter
	corruptReads  prometheus.Counter
	rotations     prometheus.Counter
	rotationFails prometheus.Counter
	segments      prometheus.Gauge

	compactions          prometheus.Counter
	compactionFailures   prometheus.Counter
	compactionReclaimed  prometheus.Counter
	compactionDuration   prometheus.Summary
	droppedTombstones    prometheus.Counter
	recoveredCorruptions prometheus.Counter
}

func NewEngineMetrics(registerer prometheus.Registerer, keys func() float64) *EngineMetrics {
	m := &EngineMetrics{}

	m.puts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "puts_total",
		Help: "Total number of put operations.",
	})

	m.gets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gets_total",
		Help: "Total number of get operations.",
	})

	m.deletes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deletes_total",
		Help: "Total number of delete operations.",
	})

	m.misses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "misses_total",
		Help: "Total number of gets for absent keys.",
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of writes that failed.",
	})

	m.corruptReads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corrupt_reads_total",
		Help: "Total number of gets that hit a record failing its checksum.",
	})

	m.rotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segment_rotations_total",
		Help: "Total number of active segment rotations.",
	})

	m.rotationFails = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segment_rotation_failures_total",
		Help: "Total number of failed active segment rotations.",
	})

	m.segments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "segments",
		Help: "Number of live segments, the active one included.",
	})

	m.compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compactions_total",
		Help: "Total number of completed compactions.",
	})

	m.compactionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compaction_failures_total",
		Help: "Total number of aborted compactions.",
	})

	m.compactionReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compaction_reclaimed_bytes_total",
		Help: "Total number of segment bytes reclaimed by compaction.",
	})

	m.compactionDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "compaction_duration_seconds",
		Help:       "Duration of compaction cycles.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.droppedTombstones = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compaction_dropped_tombstones_total",
		Help: "Total number of tombstones removed by compaction.",
	})

	m.recoveredCorruptions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recovery_torn_segments_total",
		Help: "Total number of segments whose torn tail was cut during recovery.",
	})

	if registerer != nil {
		registerer.MustRegister(
			m.puts, m.gets, m.deletes, m.misses, m.writesFailed, m.corruptReads,
			m.rotations, m.rotationFails, m.segments,
			m.compactions, m.compactionFailures, m.compactionReclaimed,
			m.compactionDuration, m.droppedTombstones, m.recoveredCorruptions,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "keys",
				Help: "Number of entries in the key directory, tombstones included.",
			}, keys),
		)
	}

	return m
}
