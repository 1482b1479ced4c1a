// Package backlogmon is a small enrichment adapted from the teacher's
// internal/reaper: the same ticker-driven scan-and-log shape, retargeted
// from "requeue abandoned Redis processing lists" to "log a warning when
// the broker queue's backlog crosses a threshold." Nothing here requeues
// or mutates state — it is purely observational, unlike the reaper it is
// grounded on.
package backlogmon

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sampler reports the current backlog depth for a queue. Satisfied by
// *broker.JetStreamBroker.StreamBacklog.
type Sampler interface {
	StreamBacklog(queue string) (int, error)
}

// Monitor polls a queue's backlog on an interval and logs a Warning each
// time it is found above Threshold.
type Monitor struct {
	log       *zap.Logger
	sampler   Sampler
	queue     string
	threshold int
	interval  time.Duration
}

func New(log *zap.Logger, sampler Sampler, queue string, threshold int, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		log:       log,
		sampler:   sampler,
		queue:     queue,
		threshold: threshold,
		interval:  interval,
	}
}

// Run blocks, polling until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scanOnce()
		}
	}
}

func (m *Monitor) scanOnce() {
	depth, err := m.sampler.StreamBacklog(m.queue)
	if err != nil {
		m.log.Warn("backlog sample failed", zap.String("queue", m.queue), zap.Error(err))
		return
	}
	if m.threshold > 0 && depth > m.threshold {
		m.log.Warn("queue backlog above threshold",
			zap.String("queue", m.queue),
			zap.Int("depth", depth),
			zap.Int("threshold", m.threshold))
	}
}
