// Package dbapply implements the DBApply runtime (§4.2): a stop-aware
// broker consumer that validates content type, delegates to DbJobExecutor,
// and applies ack/nack policy. Grounded on the teacher's worker.Worker
// start/stop/state-machine shape (internal/worker/worker.go), generalized
// from a Redis BLPOP dequeue loop into a broker.Consume callback and
// retargeted from job execution to SQL execution via internal/dbexec.
package dbapply

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ngee044/cachedb-pipeline/internal/breaker"
	"github.com/ngee044/cachedb-pipeline/internal/broker"
	"github.com/ngee044/cachedb-pipeline/internal/config"
	"github.com/ngee044/cachedb-pipeline/internal/dbexec"
)

// State is the §4.2 state machine: Idle -> Starting -> Consuming ->
// Stopping -> Idle.
type State int

const (
	Idle State = iota
	Starting
	Consuming
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Consuming:
		return "consuming"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Runtime is the DBApply service.
type Runtime struct {
	log     *zap.Logger
	cfg     *config.Config
	broker  broker.Broker
	exec    *dbexec.Executor
	breaker *breaker.CircuitBreaker

	mu    sync.Mutex
	state State

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(log *zap.Logger, cfg *config.Config, brk broker.Broker, exec *dbexec.Executor, cb *breaker.CircuitBreaker) *Runtime {
	return &Runtime{
		log:     log,
		cfg:     cfg,
		broker:  brk,
		exec:    exec,
		breaker: cb,
		state:   Idle,
	}
}

// Start runs the §4.2 start sequence: connect, set queue policy, declare
// the queue, register the handler, and begin consuming. Any failed step
// releases what was acquired and returns the service to Idle.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Idle {
		r.mu.Unlock()
		return fmt.Errorf("dbapply: start called while not idle (state=%s)", r.state)
	}
	r.state = Starting
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	if err := r.broker.Connect(ctx, r.cfg.RabbitHeartbeat); err != nil {
		r.toIdle()
		return fmt.Errorf("start-step-failed: broker connect: %w", err)
	}

	policy := broker.QueuePolicy{
		DLXSubject:    r.cfg.DLXExchange,
		DLXRoutingKey: r.cfg.DLXRoutingKey,
		MessageTTLMs:  r.cfg.MessageTTLMs,
	}
	if err := r.broker.DeclareQueue(r.cfg.ConsumeQueueName, policy); err != nil {
		_ = r.broker.Close()
		r.toIdle()
		return fmt.Errorf("start-step-failed: declare queue: %w", err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.state = Consuming
	r.mu.Unlock()

	go func() {
		defer close(r.doneCh)
		defer cancel()
		err := r.broker.Consume(consumeCtx, r.cfg.ConsumeQueueName, r.cfg.RequeueOnFailure, r.handle)
		r.mu.Lock()
		r.state = Stopping
		r.mu.Unlock()

		_ = r.broker.Close()

		r.mu.Lock()
		r.state = Idle
		r.mu.Unlock()

		if err != nil {
			r.log.Error("consume loop exited with error", zap.Error(err))
		}
	}()

	go func() {
		<-r.stopCh
		cancel()
	}()

	r.log.Info("dbapply started", zap.String("consume_queue", r.cfg.ConsumeQueueName))
	return nil
}

func (r *Runtime) toIdle() {
	r.mu.Lock()
	r.state = Idle
	r.mu.Unlock()
}

// Stop requests graceful shutdown of the consume loop.
func (r *Runtime) Stop() {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if state == Idle {
		return
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// WaitStop blocks until the state machine has returned to Idle.
func (r *Runtime) WaitStop() {
	<-r.doneCh
}

func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// handle is the §4.2 message handler contract: content-type gate, then
// delegate to the executor, gated by the circuit breaker so a database
// outage doesn't burn through every in-flight delivery against a dead
// backend.
func (r *Runtime) handle(ctx context.Context, msg broker.Message) error {
	if !strings.HasPrefix(msg.ContentType, "application/json") {
		return &broker.PermanentError{Err: fmt.Errorf("unsupported-content-type: %q", msg.ContentType)}
	}

	if r.breaker != nil && !r.breaker.Allow() {
		return fmt.Errorf("db-error: circuit breaker open, rejecting delivery %s", msg.DeliveryID)
	}

	err := r.exec.HandleMessage(ctx, msg.Body)
	if r.breaker != nil {
		// Permanent rejections (malformed input, policy) say nothing about
		// database health, so only db-error outcomes count as failures.
		r.breaker.Record(err == nil || dbexec.IsPermanent(err))
	}
	if err == nil {
		return nil
	}

	if dbexec.IsPermanent(err) {
		return &broker.PermanentError{Err: err}
	}
	return err
}
