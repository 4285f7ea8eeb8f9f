package monitor

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"bklv/p2p-share/pkg/logger"

	"github.com/dustin/go-humanize"
)

// Metrics holds transfer counters for one process
type Metrics struct {
	BytesServed    atomic.Int64
	FilesServed    atomic.Int64
	ServeFailures  atomic.Int64
	BytesReceived  atomic.Int64
	FilesReceived  atomic.Int64
	FetchFailures  atomic.Int64
	ActiveServing  atomic.Int64
	ActiveFetching atomic.Int64

	start time.Time
}

func New() *Metrics {
	return &Metrics{start: time.Now()}
}

// Global metrics instance
var Global = New()

type Snapshot struct {
	BytesServed    int64
	FilesServed    int64
	ServeFailures  int64
	BytesReceived  int64
	FilesReceived  int64
	FetchFailures  int64
	ActiveServing  int64
	ActiveFetching int64
	Uptime         time.Duration
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		BytesServed:    m.BytesServed.Load(),
		FilesServed:    m.FilesServed.Load(),
		ServeFailures:  m.ServeFailures.Load(),
		BytesReceived:  m.BytesReceived.Load(),
		FilesReceived:  m.FilesReceived.Load(),
		FetchFailures:  m.FetchFailures.Load(),
		ActiveServing:  m.ActiveServing.Load(),
		ActiveFetching: m.ActiveFetching.Load(),
		Uptime:         time.Since(m.start),
	}
}

// ServeStarted marks an outgoing transfer; call the returned func with the
// bytes sent and whether the whole file went out.
func (m *Metrics) ServeStarted() func(sent int64, ok bool) {
	m.ActiveServing.Add(1)
	start := time.Now()
	return func(sent int64, ok bool) {
		m.ActiveServing.Add(-1)
		m.BytesServed.Add(sent)
		if !ok {
			m.ServeFailures.Add(1)
			return
		}
		m.FilesServed.Add(1)
		logTransfer("Serve", sent, time.Since(start))
	}
}

// FetchStarted is the receiving-side counterpart of ServeStarted.
func (m *Metrics) FetchStarted() func(received int64, ok bool) {
	m.ActiveFetching.Add(1)
	start := time.Now()
	return func(received int64, ok bool) {
		m.ActiveFetching.Add(-1)
		m.BytesReceived.Add(received)
		if !ok {
			m.FetchFailures.Add(1)
			return
		}
		m.FilesReceived.Add(1)
		logTransfer("Fetch", received, time.Since(start))
	}
}

func logTransfer(kind string, n int64, d time.Duration) {
	var speed float64
	if secs := d.Seconds(); secs > 0 {
		speed = float64(n) / secs
	}
	logger.Sugar.Infof("[Transfer] %s Size=%s | Duration=%.2fs | Speed=%s/s",
		kind, humanize.IBytes(uint64(n)), d.Seconds(), humanize.IBytes(uint64(speed)))
}

// LogPeriodic logs runtime and transfer metrics until ctx is done.
func (m *Metrics) LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		s := m.Snapshot()

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%s | Served=%d (%s) | Received=%d (%s) | Active=%d/%d",
			runtime.NumGoroutine(),
			humanize.IBytes(ms.HeapAlloc),
			s.FilesServed, humanize.IBytes(uint64(s.BytesServed)),
			s.FilesReceived, humanize.IBytes(uint64(s.BytesReceived)),
			s.ActiveServing, s.ActiveFetching,
		)
	}
}
