package metrics

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/fusekv/fusekv/pkg/log"
)

// Collector periodically samples process resource usage into the
// memory, CPU and uptime gauges.
type Collector struct {
	proc      *process.Process
	startTime time.Time
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a resource collector for the current process
func NewCollector() (*Collector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Collector{
		proc:      proc,
		startTime: time.Now(),
		interval:  15 * time.Second,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ProcessUptimeSeconds.Set(time.Since(c.startTime).Seconds())

	logger := log.WithComponent("metrics")

	if mem, err := c.proc.MemoryInfo(); err == nil {
		MemoryUsageBytes.Set(float64(mem.RSS))
	} else {
		logger.Debug().Err(err).Msg("memory sample failed")
	}

	if pct, err := c.proc.CPUPercent(); err == nil {
		CPUUsagePercentage.Set(pct)
	} else {
		logger.Debug().Err(err).Msg("cpu sample failed")
	}
}
