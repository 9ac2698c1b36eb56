package cluster

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ScaleAction is an autoscaler recommendation type.
type ScaleAction string

const (
	ScaleUp   ScaleAction = "SCALE_UP"
	ScaleDown ScaleAction = "SCALE_DOWN"
	Steady    ScaleAction = "STEADY"
)

// Recommendation is the autoscaler's advisory output. Nothing acts on it
// inside the platform; an operator acknowledges it out of band.
type Recommendation struct {
	Action       ScaleAction `json:"action"`
	Delta        int         `json:"delta"`
	AvgCPU       float64     `json:"avgCpu"`
	NodeCount    int         `json:"nodeCount"`
	CreatedAt    time.Time   `json:"createdAt"`
	Acknowledged bool        `json:"acknowledged"`
}

// AutoscalerConfig holds the watermarks and limits.
type AutoscalerConfig struct {
	HighWatermark float64
	LowWatermark  float64
	MinNodes      int
	// BreachWindows is how many consecutive evaluations must exceed the
	// high watermark before a scale-up is recommended.
	BreachWindows int
}

// AutoscalerStatus is the observable evaluation state.
type AutoscalerStatus struct {
	LastEvaluation time.Time       `json:"lastEvaluation"`
	AvgCPU         float64         `json:"avgCpu"`
	HighStreak     int             `json:"highStreak"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}

// Autoscaler periodically evaluates cluster CPU load against the
// watermarks and emits at most one pending recommendation.
type Autoscaler struct {
	registry *Registry
	cfg      AutoscalerConfig
	logger   *slog.Logger

	mu         sync.Mutex
	highStreak int
	lastEval   time.Time
	lastAvg    float64
	current    *Recommendation
}

// NewAutoscaler creates an autoscaler over the registry.
func NewAutoscaler(registry *Registry, cfg AutoscalerConfig, logger *slog.Logger) *Autoscaler {
	if cfg.BreachWindows <= 0 {
		cfg.BreachWindows = 3
	}
	if cfg.MinNodes <= 0 {
		cfg.MinNodes = 1
	}
	return &Autoscaler{registry: registry, cfg: cfg, logger: logger}
}

// midpoint is the load the recommendation steers the cluster toward.
func (a *Autoscaler) midpoint() float64 {
	return (a.cfg.HighWatermark + a.cfg.LowWatermark) / 2
}

// Evaluate runs one window and returns the resulting recommendation, or
// nil when the cluster is steady or has no healthy nodes.
func (a *Autoscaler) Evaluate() *Recommendation {
	nodes := a.registry.Healthy()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastEval = time.Now()

	if len(nodes) == 0 {
		a.lastAvg = 0
		a.highStreak = 0
		return a.currentLocked()
	}

	var total float64
	for _, n := range nodes {
		total += n.Metrics.CPULoad
	}
	avg := total / float64(len(nodes))
	a.lastAvg = avg

	switch {
	case avg > a.cfg.HighWatermark:
		a.highStreak++
		if a.highStreak >= a.cfg.BreachWindows {
			// Enough capacity to pull the average under the midpoint.
			target := int(math.Ceil(total / a.midpoint()))
			delta := target - len(nodes)
			if delta < 1 {
				delta = 1
			}
			a.setRecommendation(Recommendation{
				Action: ScaleUp, Delta: delta, AvgCPU: avg, NodeCount: len(nodes),
			})
		}
	case avg < a.cfg.LowWatermark && len(nodes) > a.cfg.MinNodes:
		a.highStreak = 0
		target := int(math.Ceil(total / a.midpoint()))
		if target < a.cfg.MinNodes {
			target = a.cfg.MinNodes
		}
		delta := len(nodes) - target
		if delta >= 1 {
			a.setRecommendation(Recommendation{
				Action: ScaleDown, Delta: delta, AvgCPU: avg, NodeCount: len(nodes),
			})
		}
	default:
		a.highStreak = 0
	}
	return a.currentLocked()
}

func (a *Autoscaler) setRecommendation(r Recommendation) {
	// An unacknowledged recommendation of the same action is refreshed in
	// place rather than duplicated.
	r.CreatedAt = time.Now()
	a.current = &r
	a.logger.Info("autoscaler recommendation",
		"action", r.Action, "delta", r.Delta, "avg_cpu", r.AvgCPU, "nodes", r.NodeCount)
}

func (a *Autoscaler) currentLocked() *Recommendation {
	if a.current == nil {
		return nil
	}
	cp := *a.current
	return &cp
}

// Recommendation returns the pending recommendation, or a STEADY marker
// when there is none.
func (a *Autoscaler) Recommendation() Recommendation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil || a.current.Acknowledged {
		return Recommendation{Action: Steady, AvgCPU: a.lastAvg, CreatedAt: a.lastEval}
	}
	return *a.current
}

// Acknowledge marks the pending recommendation consumed.
func (a *Autoscaler) Acknowledge() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		a.current.Acknowledged = true
	}
}

// Status reports the evaluation state for the status endpoint.
func (a *Autoscaler) Status() AutoscalerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AutoscalerStatus{
		LastEvaluation: a.lastEval,
		AvgCPU:         a.lastAvg,
		HighStreak:     a.highStreak,
		Recommendation: a.currentLocked(),
	}
}

// Run evaluates on the configured interval until the context is cancelled.
func (a *Autoscaler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Evaluate()
		}
	}
}
