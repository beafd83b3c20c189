package tasks

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// latencyWindow is the number of recent task durations kept for percentiles.
const latencyWindow = 512

// Stats is a point-in-time view of the processor.
type Stats struct {
	Workers            int              `json:"workers"`
	Queued             int              `json:"queued"`
	InFlight           int              `json:"in_flight"`
	Completed          int64            `json:"completed"`
	Failed             int64            `json:"failed"`
	Abandoned          int64            `json:"abandoned"`
	EnqueuedByTag      map[string]int64 `json:"enqueued_by_tag"`
	EnqueuedByPriority map[string]int64 `json:"enqueued_by_priority"`
	MeanLatency        time.Duration    `json:"mean_latency"`
	P95Latency         time.Duration    `json:"p95_latency"`
}

type counters struct {
	completed  int64
	failed     int64
	abandoned  int64
	byTag      map[string]int64
	byPriority [priorityLevels]int64
	latencies  []float64
	next       int
}

func newCounters() counters {
	return counters{
		byTag:     make(map[string]int64),
		latencies: make([]float64, 0, latencyWindow),
	}
}

func (c *counters) enqueued(tag string, priority Priority) {
	c.byTag[tag]++
	c.byPriority[priority]++
}

func (c *counters) observe(d time.Duration) {
	if len(c.latencies) < latencyWindow {
		c.latencies = append(c.latencies, float64(d))
		return
	}
	c.latencies[c.next] = float64(d)
	c.next = (c.next + 1) % latencyWindow
}

// Stats returns current counters and latency figures.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Workers:            p.workers,
		Queued:             p.queued,
		InFlight:           p.inFlight,
		Completed:          p.stats.completed,
		Failed:             p.stats.failed,
		Abandoned:          p.stats.abandoned,
		EnqueuedByTag:      make(map[string]int64, len(p.stats.byTag)),
		EnqueuedByPriority: make(map[string]int64, priorityLevels),
	}
	for tag, n := range p.stats.byTag {
		s.EnqueuedByTag[tag] = n
	}
	for prio, n := range p.stats.byPriority {
		if n > 0 {
			s.EnqueuedByPriority[Priority(prio).String()] = n
		}
	}
	samples := make([]float64, len(p.stats.latencies))
	copy(samples, p.stats.latencies)
	p.mu.Unlock()

	if len(samples) > 0 {
		sort.Float64s(samples)
		s.MeanLatency = time.Duration(stat.Mean(samples, nil))
		s.P95Latency = time.Duration(stat.Quantile(0.95, stat.Empirical, samples, nil))
	}
	return s
}
