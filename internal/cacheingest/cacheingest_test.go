package cacheingest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ngee044/cachedb-pipeline/internal/broker"
	"github.com/ngee044/cachedb-pipeline/internal/config"
	"github.com/ngee044/cachedb-pipeline/internal/kv"
	"github.com/ngee044/cachedb-pipeline/internal/workerpool"
)

// fakeBroker records every published message and can be told to fail the
// next N publish attempts, simulating a transient outage.
type fakeBroker struct {
	mu         sync.Mutex
	published  []string
	failNext   int
	failErr    error
	connectErr error
	connected  bool
}

func (b *fakeBroker) Connect(ctx context.Context, heartbeatSeconds int) error {
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = true
	return nil
}
func (b *fakeBroker) IsConnected() bool { return b.connected }
func (b *fakeBroker) DeclareQueue(queue string, policy broker.QueuePolicy) error {
	return nil
}
func (b *fakeBroker) Publish(ctx context.Context, channel int, queue string, body []byte, contentType string, ttlMs int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return b.failErr
	}
	b.published = append(b.published, string(body))
	return nil
}
func (b *fakeBroker) Consume(ctx context.Context, queue string, requeueOnFailure bool, handler broker.Handler) error {
	return nil
}
func (b *fakeBroker) Close() error { return nil }

func newTestRuntime(t *testing.T, brk *fakeBroker) (*Runtime, *config.Config) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.PublishIntervalMs = 50
	cfg.RedisHost = mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg.RedisPort = port
	cfg.RabbitMQReconnectMaxRetries = 3
	cfg.RabbitMQReconnectIntervalMs = 1

	kvClient := kv.New(cfg)
	rt := New(zap.NewNop(), cfg, kvClient, brk)
	return rt, cfg
}

func TestEnqueueDatabaseOperationRejectsNonObject(t *testing.T) {
	rt, _ := newTestRuntime(t, &fakeBroker{})
	ok, err := rt.EnqueueDatabaseOperation([]byte(`[1,2,3]`))
	require.False(t, ok)
	require.Error(t, err)
}

func TestEnqueueDatabaseOperationAcceptsObject(t *testing.T) {
	rt, _ := newTestRuntime(t, &fakeBroker{})
	ok, err := rt.EnqueueDatabaseOperation([]byte(`{"op":"insert","table":"t","values":{"id":1}}`))
	require.True(t, ok)
	require.NoError(t, err)
	require.Len(t, rt.pending, 1)
}

func TestFlushCyclePublishesPendingMessages(t *testing.T) {
	brk := &fakeBroker{}
	rt, _ := newTestRuntime(t, brk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rt.Start(ctx))
	defer func() {
		rt.Stop()
		rt.WaitStop()
	}()

	_, _ = rt.EnqueueDatabaseOperation([]byte(`{"op":"insert","table":"t","values":{"id":1}}`))
	_, _ = rt.EnqueueDatabaseOperation([]byte(`{"op":"insert","table":"t","values":{"id":2}}`))

	require.Eventually(t, func() bool {
		brk.mu.Lock()
		defer brk.mu.Unlock()
		return len(brk.published) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishFailureReenqueuesMessage(t *testing.T) {
	brk := &fakeBroker{failNext: 1, failErr: errors.New("permanent failure")}
	rt, _ := newTestRuntime(t, brk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rt.Start(ctx))
	defer func() {
		rt.Stop()
		rt.WaitStop()
	}()

	_, _ = rt.EnqueueDatabaseOperation([]byte(`{"op":"insert","table":"t","values":{"id":1}}`))

	require.Eventually(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return len(rt.pending) == 1
	}, 2*time.Second, 10*time.Millisecond, "failed publish should be re-appended to the pending buffer")
}

func TestTransientPublishErrorReconnectsAndRetries(t *testing.T) {
	brk := &fakeBroker{failNext: 1, failErr: errors.New("connection reset by peer")}
	rt, _ := newTestRuntime(t, brk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rt.Start(ctx))
	defer func() {
		rt.Stop()
		rt.WaitStop()
	}()

	_, _ = rt.EnqueueDatabaseOperation([]byte(`{"op":"insert","table":"t","values":{"id":1}}`))

	require.Eventually(t, func() bool {
		brk.mu.Lock()
		defer brk.mu.Unlock()
		return len(brk.published) == 1
	}, 2*time.Second, 10*time.Millisecond, "transient error should be retried once after reconnect and succeed")
}

func TestStartPushesFlushTaskThroughWorkerPool(t *testing.T) {
	brk := &fakeBroker{}
	rt, cfg := newTestRuntime(t, brk)
	cfg.HighPriorityCount = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rt.Start(ctx))
	require.NotNil(t, rt.pool)

	queued, err := rt.pool.Push(workerpool.Job{
		Name:     "probe",
		Priority: workerpool.High,
		Run:      func(ctx context.Context) (bool, error) { return true, nil },
	})
	require.NoError(t, err)
	require.True(t, queued, "High tier should accept pushes while the pool is running")

	rt.Stop()
	rt.WaitStop()

	_, err = rt.pool.Push(workerpool.Job{
		Name:     "late",
		Priority: workerpool.LongTerm,
		Run:      func(ctx context.Context) (bool, error) { return true, nil },
	})
	require.Error(t, err, "pool should reject new work once WaitStop has joined it")
}

func TestSetAndGetKeyValueRoundTrip(t *testing.T) {
	rt, _ := newTestRuntime(t, &fakeBroker{})
	ctx := context.Background()
	require.NoError(t, rt.kv.Connect(ctx))

	require.NoError(t, rt.SetKeyValue(ctx, "k", "v", 0))
	val, err := rt.GetKeyValue(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", val)
}
