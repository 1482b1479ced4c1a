package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRequiresAtLeastOneLongTermWorker(t *testing.T) {
	_, err := New(zap.NewNop(), Counts{High: 1})
	require.Error(t, err)
}

func TestPushDispatchesToEligibleWorker(t *testing.T) {
	p, err := New(zap.NewNop(), Counts{High: 1, LongTerm: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, Counts{High: 1, LongTerm: 1})
	defer p.Stop()

	var ran int32
	done := make(chan struct{})
	queued, err := p.Push(Job{
		Name:     "test-job",
		Priority: High,
		Run: func(ctx context.Context) (bool, error) {
			atomic.AddInt32(&ran, 1)
			close(done)
			return true, nil
		},
	})
	require.NoError(t, err)
	require.True(t, queued)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestStopDrainsAndRejectsNewWork(t *testing.T) {
	p, err := New(zap.NewNop(), Counts{LongTerm: 1})
	require.NoError(t, err)

	ctx := context.Background()
	p.Start(ctx, Counts{LongTerm: 1})
	p.Stop()

	_, err = p.Push(Job{Name: "late", Priority: LongTerm, Run: func(ctx context.Context) (bool, error) { return true, nil }})
	require.Error(t, err)
}

func TestNormalWorkerDrainsHighOverflow(t *testing.T) {
	p, err := New(zap.NewNop(), Counts{Normal: 1, LongTerm: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, Counts{Normal: 1, LongTerm: 1})
	defer p.Stop()

	// No High workers are running, so this High job can only ever be
	// picked up by the Normal worker's overflow drain.
	done := make(chan struct{})
	queued, err := p.Push(Job{
		Name:     "high-overflow",
		Priority: High,
		Run: func(ctx context.Context) (bool, error) {
			close(done)
			return true, nil
		},
	})
	require.NoError(t, err)
	require.True(t, queued)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("High job was never drained by the Normal worker")
	}
}

func TestJobPanicIsRecovered(t *testing.T) {
	p, err := New(zap.NewNop(), Counts{LongTerm: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, Counts{LongTerm: 1})
	defer p.Stop()

	done := make(chan struct{})
	_, err = p.Push(Job{
		Name:     "panics",
		Priority: LongTerm,
		Run: func(ctx context.Context) (bool, error) {
			defer close(done)
			panic("boom")
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking job never completed")
	}
}
