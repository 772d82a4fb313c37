package metrics

import "time"

// Collector periodically samples a running Slave's VM load into the
// process's Prometheus gauges, mirroring the controller's own direct
// metric updates in pkg/controller since a Slave has no Raft-applied
// state to hook those updates off of instead.
type Collector struct {
	running func() int
	stopCh  chan struct{}
}

// NewCollector builds a Collector that samples runningVMs (typically a
// closure returning (*worker.Slave).Stats().RunningVMs) on each tick.
func NewCollector(runningVMs func() int) *Collector {
	return &Collector{running: runningVMs, stopCh: make(chan struct{})}
}

// Start begins the sampling loop at a 15s interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop ends the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	VMsRunning.Set(float64(c.running()))
}
