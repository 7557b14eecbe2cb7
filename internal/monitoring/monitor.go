// Package monitoring logs process resource usage and server load on an
// interval, giving operators a heartbeat in the logs without scraping
// metrics.
package monitoring

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats is the server-side load the monitor reports next to process
// resources.
type Stats interface {
	SessionCount() int
	DocCount() int
}

type Monitor struct {
	interval time.Duration
	stats    Stats
	log      zerolog.Logger
	proc     *process.Process
}

func New(interval time.Duration, stats Stats, log zerolog.Logger) *Monitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Msg("process handle unavailable, reporting runtime stats only")
		proc = nil
	}
	return &Monitor{interval: interval, stats: stats, log: log, proc: proc}
}

// Run reports until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.report()
		}
	}
}

func (m *Monitor) report() {
	ev := m.log.Info().
		Int("goroutines", runtime.NumGoroutine()).
		Int("sessions", m.stats.SessionCount()).
		Int("docs", m.stats.DocCount())
	if m.proc != nil {
		if cpu, err := m.proc.CPUPercent(); err == nil {
			ev = ev.Float64("cpu_percent", cpu)
		}
		if mem, err := m.proc.MemoryInfo(); err == nil {
			ev = ev.Uint64("rss_bytes", mem.RSS)
		}
	}
	ev.Msg("resource usage")
}
