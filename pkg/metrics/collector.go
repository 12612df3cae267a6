package metrics

import (
	"time"

	"github.com/rendergrid/workeragent/pkg/types"
)

// allLifecycleStates lists every WorkerStatus the worker's lifecycle diagram
// can occupy, so SetLifecycleState can zero out inactive states on each
// collection pass.
var allLifecycleStates = []string{
	string(types.WorkerStatusCreated),
	string(types.WorkerStatusStarting),
	string(types.WorkerStatusStarted),
	string(types.WorkerStatusStopping),
	string(types.WorkerStatusStopped),
	string(types.WorkerStatusDeleted),
}

// StatsSource is the subset of *scheduler.Scheduler the Collector needs.
// It is expressed as an interface here, rather than importing pkg/scheduler
// directly, because pkg/scheduler observes its own poll and drain latency
// through this package's histograms; importing the concrete type back would
// create an import cycle.
type StatsSource interface {
	ActiveSessionCount() int
	LifecycleState() string
}

// Collector periodically samples a StatsSource's state into the package's
// gauges, the way Prometheus client_golang collectors typically run
// alongside a long-lived process rather than computing values on scrape.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a metrics collector for source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	SessionsActive.Set(float64(c.source.ActiveSessionCount()))
	SetLifecycleState(c.source.LifecycleState(), allLifecycleStates)
}
