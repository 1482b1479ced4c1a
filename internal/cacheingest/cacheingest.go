// Package cacheingest implements the CacheIngest runtime (§4.3): a staged,
// periodic forwarder that buffers JSON job messages and flushes them to
// the broker on a timer, grounded directly on CacheDBService.cpp's
// pending-buffer/flush-task design, generalized from a re-pushed pool job
// per cycle into a single cooperative loop (per the DESIGN NOTES flag on
// "periodic self-rescheduling job").
package cacheingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ngee044/cachedb-pipeline/internal/broker"
	"github.com/ngee044/cachedb-pipeline/internal/config"
	"github.com/ngee044/cachedb-pipeline/internal/kv"
	"github.com/ngee044/cachedb-pipeline/internal/workerpool"
)

const wakeSlice = 100 * time.Millisecond

// reconnectTokens are the transient-error substrings the original source
// matched to decide whether to reconnect-and-retry. Kept as an explicit,
// named list at the boundary (not scattered find() calls) per the DESIGN
// NOTES flag on substring-matched transient errors; a future pass can
// replace this with typed Transient/Permanent wrapping from the broker
// and kv packages without touching this package's call sites.
var reconnectTokens = []string{"connection", "socket", "channel", "timeout"}

func looksTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, tok := range reconnectTokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

// Runtime is the CacheIngest service.
type Runtime struct {
	log    *zap.Logger
	cfg    *config.Config
	kv     *kv.Client
	broker broker.Broker
	pool   *workerpool.Pool

	mu      sync.Mutex
	pending []string
	state   state

	stopCh chan struct{}
	doneCh chan struct{}
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
)

func New(log *zap.Logger, cfg *config.Config, kvClient *kv.Client, brk broker.Broker) *Runtime {
	return &Runtime{
		log:    log,
		cfg:    cfg,
		kv:     kvClient,
		broker: brk,
		state:  stateIdle,
	}
}

// Start connects the KV and broker clients, declares the publish queue,
// and hands the flush loop to the §4.4 worker pool as a single LongTerm
// job — collapsed into one cooperative loop instead of per-cycle job
// resubmission (per the DESIGN NOTES flag on that pattern), but still
// dispatched through the pool rather than a bare goroutine so the same
// High/Normal/Low tiers configured for this service are live and ready
// for request-shaped work.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != stateIdle {
		r.mu.Unlock()
		return fmt.Errorf("cacheingest: start called while not idle")
	}
	r.state = stateRunning
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	if err := r.kv.Connect(ctx); err != nil {
		r.failStart()
		return fmt.Errorf("start-step-failed: kv connect: %w", err)
	}
	if err := r.broker.Connect(ctx, r.cfg.RabbitHeartbeat); err != nil {
		r.failStart()
		return fmt.Errorf("start-step-failed: broker connect: %w", err)
	}
	if err := r.broker.DeclareQueue(r.cfg.PublishQueueName, broker.QueuePolicy{
		DLXSubject:    r.cfg.DLXExchange,
		DLXRoutingKey: r.cfg.DLXRoutingKey,
		MessageTTLMs:  r.cfg.MessageTTLMs,
	}); err != nil {
		r.failStart()
		return fmt.Errorf("start-step-failed: declare queue: %w", err)
	}

	counts := workerpool.Counts{
		High:     r.cfg.HighPriorityCount,
		Normal:   r.cfg.NormalPriorityCount,
		Low:      r.cfg.LowPriorityCount,
		LongTerm: 1,
	}
	pool, err := workerpool.New(r.log, counts)
	if err != nil {
		r.failStart()
		return fmt.Errorf("start-step-failed: worker pool: %w", err)
	}
	r.pool = pool
	r.pool.Start(ctx, counts)

	if _, err := r.pool.Push(workerpool.Job{
		Name:     "flush-cycle",
		Priority: workerpool.LongTerm,
		Run: func(ctx context.Context) (bool, error) {
			r.flushLoop(ctx)
			return true, nil
		},
	}); err != nil {
		r.failStart()
		return fmt.Errorf("start-step-failed: push flush task: %w", err)
	}

	r.log.Info("cacheingest started", zap.String("publish_queue", r.cfg.PublishQueueName))
	return nil
}

func (r *Runtime) failStart() {
	r.mu.Lock()
	r.state = stateIdle
	r.mu.Unlock()
}

// Stop requests graceful shutdown; WaitStop blocks until the flush loop
// has exited.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return
	}
	r.state = stateStopping
	close(r.stopCh)
	r.mu.Unlock()
}

// WaitStop blocks until the flush job has returned, then joins the pool's
// worker goroutines.
func (r *Runtime) WaitStop() {
	<-r.doneCh
	r.pool.Stop()
}

func (r *Runtime) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// EnqueueDatabaseOperation validates body as a JSON object and appends it
// to the pending buffer. It never touches the broker directly (§4.3).
func (r *Runtime) EnqueueDatabaseOperation(body []byte) (bool, error) {
	var probe any
	if err := json.Unmarshal(body, &probe); err != nil {
		return false, fmt.Errorf("malformed-json: %w", err)
	}
	if _, ok := probe.(map[string]any); !ok {
		return false, fmt.Errorf("malformed-shape: body must be a JSON object")
	}

	r.mu.Lock()
	r.pending = append(r.pending, string(body))
	r.mu.Unlock()
	return true, nil
}

// SetKeyValue writes through to the KV store with reconnect-on-error
// (§4.3.2).
func (r *Runtime) SetKeyValue(ctx context.Context, key, value string, ttlSeconds int64) error {
	return r.kv.SetKeyValue(ctx, key, value, ttlSeconds)
}

// GetKeyValue reads from the KV store with reconnect-on-error (§4.3.2).
func (r *Runtime) GetKeyValue(ctx context.Context, key string) (string, error) {
	return r.kv.GetKeyValue(ctx, key)
}

// flushLoop is the single cooperative LongTerm task: sleep to the next
// deadline in 100ms wake slices, drain the pending buffer, publish each
// message, re-enqueue failures, repeat until stop.
func (r *Runtime) flushLoop(ctx context.Context) {
	defer close(r.doneCh)
	defer func() {
		r.mu.Lock()
		r.state = stateIdle
		r.mu.Unlock()
	}()

	interval := time.Duration(r.cfg.PublishIntervalMs) * time.Millisecond
	for {
		if !r.sleepUntilDeadline(ctx, interval) {
			return
		}
		if r.stopRequested() {
			return
		}
		r.runOneCycle(ctx)
		if r.stopRequested() {
			return
		}
	}
}

func (r *Runtime) sleepUntilDeadline(ctx context.Context, interval time.Duration) bool {
	deadline := time.Now().Add(interval)
	for time.Now().Before(deadline) {
		if r.stopRequested() {
			return false
		}
		remaining := time.Until(deadline)
		sleep := wakeSlice
		if remaining < sleep {
			sleep = remaining
		}
		if sleep <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-r.stopCh:
			return false
		case <-time.After(sleep):
		}
	}
	return true
}

func (r *Runtime) runOneCycle(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, msg := range batch {
		if r.stopRequested() {
			r.requeue(msg)
			continue
		}
		if err := r.publish(ctx, msg); err != nil {
			r.log.Error("failed to publish message", zap.Error(err))
			r.requeue(msg)
		}
	}
}

func (r *Runtime) requeue(msg string) {
	r.mu.Lock()
	r.pending = append(r.pending, msg)
	r.mu.Unlock()
}

// publish is the §4.3.1 publish path: on a transient-looking error, run
// the reconnection loop once and retry exactly once.
func (r *Runtime) publish(ctx context.Context, body string) error {
	err := r.broker.Publish(ctx, r.cfg.RabbitChannelID, r.cfg.PublishQueueName, []byte(body), r.cfg.ContentType, r.cfg.MessageTTLMs)
	if err == nil {
		return nil
	}
	if !looksTransient(err) {
		return err
	}

	r.log.Warn("transient publish error, reconnecting", zap.Error(err))
	if reconErr := r.reconnectBroker(ctx); reconErr != nil {
		return fmt.Errorf("bounded-retry-exhausted: %w", reconErr)
	}
	return r.broker.Publish(ctx, r.cfg.RabbitChannelID, r.cfg.PublishQueueName, []byte(body), r.cfg.ContentType, r.cfg.MessageTTLMs)
}

func (r *Runtime) reconnectBroker(ctx context.Context) error {
	maxRetries := r.cfg.RabbitMQReconnectMaxRetries
	interval := time.Duration(r.cfg.RabbitMQReconnectIntervalMs) * time.Millisecond

	var lastErr error
	for retry := 0; retry < maxRetries; retry++ {
		if err := r.broker.Connect(ctx, r.cfg.RabbitHeartbeat); err == nil {
			r.log.Info("broker reconnected", zap.Int("retry", retry))
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("broker reconnect failed after %d retries: %w", maxRetries, lastErr)
}
