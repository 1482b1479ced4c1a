package backlogmon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSampler struct {
	depth int32
	err   error
}

func (f *fakeSampler) StreamBacklog(queue string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return int(atomic.LoadInt32(&f.depth)), nil
}

func TestMonitorWarnsAboveThreshold(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)
	sampler := &fakeSampler{depth: 100}

	mon := New(log, sampler, "db.write", 10, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go mon.Run(ctx)

	require.Eventually(t, func() bool {
		return logs.Len() > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
}

func TestMonitorSilentBelowThreshold(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)
	sampler := &fakeSampler{depth: 1}

	mon := New(log, sampler, "db.write", 10, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, logs.Len())
}
