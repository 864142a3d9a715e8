package quiver

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordInsert is called after each insert with the row count, total
	// duration and the number of publish conflicts retried along the way.
	RecordInsert(rows int, duration time.Duration, conflicts int, err error)

	// RecordDelete is called after each delete with the number of rows
	// marked deleted.
	RecordDelete(deleted int, duration time.Duration, err error)

	// RecordSearch is called after each query execution. indexed reports
	// whether the IVF-PQ path served the query.
	RecordSearch(limit, found int, indexed bool, duration time.Duration, err error)

	// RecordIndexBuild is called after each index build.
	RecordIndexBuild(rows int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(int, time.Duration, int, error)       {}
func (NoopMetricsCollector) RecordDelete(int, time.Duration, error)            {}
func (NoopMetricsCollector) RecordSearch(int, int, bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordIndexBuild(int, time.Duration, error)        {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	InsertCount      atomic.Int64
	InsertRows       atomic.Int64
	InsertErrors     atomic.Int64
	InsertConflicts  atomic.Int64
	InsertTotalNanos atomic.Int64

	DeleteCount  atomic.Int64
	DeleteRows   atomic.Int64
	DeleteErrors atomic.Int64

	SearchCount      atomic.Int64
	SearchIndexed    atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64

	IndexBuildCount  atomic.Int64
	IndexBuildErrors atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(rows int, duration time.Duration, conflicts int, err error) {
	b.InsertCount.Add(1)
	b.InsertRows.Add(int64(rows))
	b.InsertConflicts.Add(int64(conflicts))
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(deleted int, duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	b.DeleteRows.Add(int64(deleted))
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(limit, found int, indexed bool, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if indexed {
		b.SearchIndexed.Add(1)
	}
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordIndexBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIndexBuild(rows int, duration time.Duration, err error) {
	b.IndexBuildCount.Add(1)
	if err != nil {
		b.IndexBuildErrors.Add(1)
	}
}

// Stats is a snapshot of BasicMetricsCollector state.
type Stats struct {
	InsertCount     int64
	InsertRows      int64
	InsertErrors    int64
	InsertConflicts int64
	InsertAvgNanos  int64
	DeleteCount     int64
	DeleteRows      int64
	DeleteErrors    int64
	SearchCount     int64
	SearchIndexed   int64
	SearchErrors    int64
	SearchAvgNanos  int64
	IndexBuildCount int64
	IndexBuildErrs  int64
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() Stats {
	return Stats{
		InsertCount:     b.InsertCount.Load(),
		InsertRows:      b.InsertRows.Load(),
		InsertErrors:    b.InsertErrors.Load(),
		InsertConflicts: b.InsertConflicts.Load(),
		InsertAvgNanos:  avg(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		DeleteCount:     b.DeleteCount.Load(),
		DeleteRows:      b.DeleteRows.Load(),
		DeleteErrors:    b.DeleteErrors.Load(),
		SearchCount:     b.SearchCount.Load(),
		SearchIndexed:   b.SearchIndexed.Load(),
		SearchErrors:    b.SearchErrors.Load(),
		SearchAvgNanos:  avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		IndexBuildCount: b.IndexBuildCount.Load(),
		IndexBuildErrs:  b.IndexBuildErrors.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}
