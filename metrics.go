package dasdb

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordSet is called after each insert attempt.
	// duration is the total time taken, err is nil if successful.
	RecordSet(duration time.Duration, err error)

	// RecordGet is called after each lookup.
	RecordGet(duration time.Duration, err error)

	// RecordDel is called after each delete attempt.
	RecordDel(duration time.Duration, err error)

	// RecordCommit is called after each transaction commit.
	// ops is the number of staged mutations applied.
	RecordCommit(ops int, duration time.Duration, err error)

	// RecordSnapshot is called after each file snapshot.
	RecordSnapshot(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordSet(time.Duration, error)         {}
func (NoopMetricsCollector) RecordGet(time.Duration, error)         {}
func (NoopMetricsCollector) RecordDel(time.Duration, error)         {}
func (NoopMetricsCollector) RecordCommit(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordSnapshot(time.Duration, error)    {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	SetCount           atomic.Int64
	SetErrors          atomic.Int64
	SetTotalNanos      atomic.Int64
	GetCount           atomic.Int64
	GetErrors          atomic.Int64
	GetTotalNanos      atomic.Int64
	DelCount           atomic.Int64
	DelErrors          atomic.Int64
	DelTotalNanos      atomic.Int64
	CommitCount        atomic.Int64
	CommitErrors       atomic.Int64
	CommitOps          atomic.Int64
	CommitTotalNanos   atomic.Int64
	SnapshotCount      atomic.Int64
	SnapshotErrors     atomic.Int64
	SnapshotTotalNanos atomic.Int64
}

func (m *BasicMetricsCollector) RecordSet(d time.Duration, err error) {
	m.SetCount.Add(1)
	m.SetTotalNanos.Add(int64(d))
	if err != nil {
		m.SetErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordGet(d time.Duration, err error) {
	m.GetCount.Add(1)
	m.GetTotalNanos.Add(int64(d))
	if err != nil {
		m.GetErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordDel(d time.Duration, err error) {
	m.DelCount.Add(1)
	m.DelTotalNanos.Add(int64(d))
	if err != nil {
		m.DelErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordCommit(ops int, d time.Duration, err error) {
	m.CommitCount.Add(1)
	m.CommitOps.Add(int64(ops))
	m.CommitTotalNanos.Add(int64(d))
	if err != nil {
		m.CommitErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordSnapshot(d time.Duration, err error) {
	m.SnapshotCount.Add(1)
	m.SnapshotTotalNanos.Add(int64(d))
	if err != nil {
		m.SnapshotErrors.Add(1)
	}
}
