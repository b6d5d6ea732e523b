package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/beedrive/pkg/types"
)

// StatusSource returns point-in-time worker snapshots
type StatusSource interface {
	UpdateStatus(ctx context.Context) ([]types.TaskStatus, error)
	ManagerCount() int
}

// Collector periodically publishes worker status snapshots
type Collector struct {
	source   StatusSource
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a new collector polling source every interval
func NewCollector(source StatusSource, interval time.Duration, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and waits for the loop to exit
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	statuses, err := c.source.UpdateStatus(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to collect worker status")
		return
	}
	Publish(statuses, c.source.ManagerCount())

	for _, st := range statuses {
		c.logger.Debug().
			Str("worker_id", st.UUID).
			Str("kind", string(st.Kind)).
			Str("stage", string(st.Stage)).
			Int("percent", st.Percent).
			Msg(st.Message)
	}
}

var publishedStages = []types.Stage{
	types.StageInit,
	types.StageActive,
	types.StageHandshake,
	types.StageTransfer,
	types.StageDone,
	types.StageStopped,
	types.StageError,
}

// Publish sets the worker gauges from one status snapshot
func Publish(statuses []types.TaskStatus, managers int) {
	counts := make(map[types.Stage]int, len(publishedStages))
	for _, st := range statuses {
		counts[st.Stage]++
	}
	for _, stage := range publishedStages {
		WorkersByStage.WithLabelValues(string(stage)).Set(float64(counts[stage]))
	}
	WorkersActive.Set(float64(len(statuses)))
	ManagersTotal.Set(float64(managers))
}
