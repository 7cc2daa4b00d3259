package metrics

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

var (
	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "redmist_engine",
		Name:      "process_cpu_percent",
		Help:      "CPU percentage consumed by this engine process, sampled periodically.",
	})
	ProcessRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "redmist_engine",
		Name:      "process_rss_bytes",
		Help:      "Resident set size of this engine process.",
	})
)

// ProcessSampler periodically samples this process's own CPU/memory
// usage into gauges (spec.md §5 health metrics). The teacher tracked
// per-PID CPU deltas by hand (internal/monitor's prevCPU map); this
// samples the current process instead of child processes, using
// gopsutil rather than hand-rolled /proc parsing.
type ProcessSampler struct {
	proc *process.Process
	log  *logrus.Entry
}

func NewProcessSampler(log *logrus.Entry) (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{proc: p, log: log}, nil
}

// Run samples every interval until stop is closed.
func (s *ProcessSampler) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *ProcessSampler) sample() {
	if pct, err := s.proc.CPUPercent(); err == nil {
		ProcessCPUPercent.Set(pct)
	} else if s.log != nil {
		s.log.WithError(err).Debug("process cpu sample failed")
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		ProcessRSSBytes.Set(float64(mem.RSS))
	} else if err != nil && s.log != nil {
		s.log.WithError(err).Debug("process memory sample failed")
	}
}
