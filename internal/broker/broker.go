// Package broker implements the abstract queue-broker contract from §6
// against NATS JetStream: connect-with-heartbeat, per-queue policy
// (dead-letter subject, message TTL), publish, and a consumer with
// per-delivery ack/reject-with-requeue. Grounded on the teacher's
// event-hooks NATS publisher (conn.JetStream, nats.Msg headers) and
// generalized from fire-and-forget event publishing into the
// full pub+durable-consume contract DBApply/CacheIngest need.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ngee044/cachedb-pipeline/internal/config"
)

// Message is one delivered job, handed to a consumer Handler.
type Message struct {
	DeliveryID  string
	Body        []byte
	ContentType string
}

// Handler processes one delivered Message. Returning a non-nil error
// rejects the delivery; the broker then applies the configured
// requeue-on-failure policy, unless the error is a PermanentError, in
// which case the delivery is always dead-lettered/dropped regardless of
// that policy (§7: malformed-json/malformed-shape/policy-denied/
// unsupported-content-type are always "reject, don't requeue").
type Handler func(ctx context.Context, msg Message) error

// PermanentError marks a handler failure that must never be requeued,
// independent of the requeue-on-failure policy passed to Consume.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// QueuePolicy is fixed at declaration time per §3 "Queue policies": a
// dead-letter exchange, a dead-letter routing key, and a message TTL.
// NATS subjects are hierarchical, so the routing key equivalent is
// modeled as a trailing subject token appended to DLXSubject — the same
// role it plays as a topic-exchange binding key in the RabbitMQ
// vocabulary §6 is modeled on — rather than dropped.
type QueuePolicy struct {
	DLXSubject    string // dead-letter target; empty disables dead-lettering
	DLXRoutingKey string
	MessageTTLMs  int
}

// deadLetterSubject composes the effective publish subject for a
// dead-lettered message: DLXSubject, with DLXRoutingKey appended as a
// subject token when set.
func (p QueuePolicy) deadLetterSubject() string {
	if p.DLXSubject == "" {
		return ""
	}
	if p.DLXRoutingKey == "" {
		return p.DLXSubject
	}
	return p.DLXSubject + "." + p.DLXRoutingKey
}

// Broker is the abstract contract §6 names: connect with heartbeat,
// declare a queue with policy, publish, and consume with ack/reject.
type Broker interface {
	Connect(ctx context.Context, heartbeatSeconds int) error
	IsConnected() bool
	DeclareQueue(queue string, policy QueuePolicy) error
	Publish(ctx context.Context, channel int, queue string, body []byte, contentType string, ttlMs int) error
	Consume(ctx context.Context, queue string, requeueOnFailure bool, handler Handler) error
	Close() error
}

// JetStreamBroker is the production Broker backed by NATS JetStream.
type JetStreamBroker struct {
	url    string
	conn   *nats.Conn
	js     nats.JetStreamContext
	policy map[string]QueuePolicy
}

func New(cfg *config.Config) *JetStreamBroker {
	return &JetStreamBroker{
		url:    fmt.Sprintf("nats://%s:%d", cfg.RabbitMQHost, cfg.RabbitMQPort),
		policy: make(map[string]QueuePolicy),
	}
}

// Connect dials NATS with a heartbeat (ping) interval and opens a
// JetStream context, mirroring ensure_rabbitmq_connection's
// "connect, then confirm liveness" step in §4.2 start sequence.
func (b *JetStreamBroker) Connect(ctx context.Context, heartbeatSeconds int) error {
	if heartbeatSeconds <= 0 {
		heartbeatSeconds = 30
	}
	conn, err := nats.Connect(b.url,
		nats.PingInterval(time.Duration(heartbeatSeconds)*time.Second),
		nats.MaxPingsOutstanding(2),
		nats.Name("cachedb-pipeline"),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("jetstream context: %w", err)
	}
	b.conn = conn
	b.js = js
	return nil
}

func (b *JetStreamBroker) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// DeclareQueue ensures a stream backs the queue's subject and records its
// policy for use at consume time (the dead-letter subject); Publish does
// not read the recorded policy and takes its TTL from its ttlMs argument. NATS
// JetStream has no native per-message TTL or exchange-style dead-lettering,
// so TTL is enforced cooperatively via a header the consumer checks, and
// dead-lettering is a republish to DLXSubject on terminal rejection.
func (b *JetStreamBroker) DeclareQueue(queue string, policy QueuePolicy) error {
	if b.js == nil {
		return fmt.Errorf("broker not connected")
	}
	streamName := streamNameFor(queue)
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{queue, queue + ".dlx"},
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("declare stream %s: %w", streamName, err)
	}
	b.policy[queue] = policy
	return nil
}

const ttlHeader = "Cachedb-Expires-At"

// Publish sends body to queue, attaching content type and an optional
// expiry header. Fields mirror §4.3.1's publish signature: channel id is
// carried for log correlation only — JetStream has no channel concept.
func (b *JetStreamBroker) Publish(ctx context.Context, channel int, queue string, body []byte, contentType string, ttlMs int) error {
	if b.js == nil {
		return fmt.Errorf("broker not connected")
	}
	msg := &nats.Msg{
		Subject: queue,
		Data:    body,
		Header:  make(nats.Header),
	}
	msg.Header.Set("Content-Type", contentType)
	msg.Header.Set("Channel-Id", fmt.Sprintf("%d", channel))
	if ttlMs > 0 {
		msg.Header.Set(ttlHeader, time.Now().Add(time.Duration(ttlMs)*time.Millisecond).Format(time.RFC3339Nano))
	}
	_, err := b.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	return nil
}

// Consume starts a durable pull consumer on queue and dispatches each
// delivery to handler. On handler error, requeueOnFailure selects Nak
// (redeliver) vs Term (terminal reject, optionally dead-lettered).
func (b *JetStreamBroker) Consume(ctx context.Context, queue string, requeueOnFailure bool, handler Handler) error {
	if b.js == nil {
		return fmt.Errorf("broker not connected")
	}
	durable := "consumer-" + uuid.NewString()
	sub, err := b.js.PullSubscribe(queue, durable, nats.ManualAck())
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", queue, err)
	}
	defer sub.Unsubscribe()

	policy := b.policy[queue]

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(1*time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			return fmt.Errorf("fetch from %s: %w", queue, err)
		}

		for _, m := range msgs {
			if expired(m, ttlHeader) {
				b.deadLetter(ctx, policy, m)
				continue
			}

			msg := Message{
				DeliveryID:  m.Header.Get(nats.MsgIdHdr),
				Body:        m.Data,
				ContentType: m.Header.Get("Content-Type"),
			}
			if err := handler(ctx, msg); err != nil {
				var permanent *PermanentError
				if requeueOnFailure && !errors.As(err, &permanent) {
					_ = m.Nak()
				} else {
					b.deadLetter(ctx, policy, m)
				}
				continue
			}
			_ = m.Ack()
		}
	}
}

func (b *JetStreamBroker) deadLetter(ctx context.Context, policy QueuePolicy, m *nats.Msg) {
	if subject := policy.deadLetterSubject(); subject != "" && b.js != nil {
		dl := &nats.Msg{Subject: subject, Data: m.Data, Header: m.Header}
		_, _ = b.js.PublishMsg(dl, nats.Context(ctx))
	}
	_ = m.Term()
}

func expired(m *nats.Msg, header string) bool {
	raw := m.Header.Get(header)
	if raw == "" {
		return false
	}
	deadline, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return time.Now().After(deadline)
}

// StreamBacklog reports the number of messages currently held in queue's
// backing stream — used by internal/backlogmon as a proxy for consumer
// pending/ack-pending depth, since per-consumer info requires a stable
// durable name and Consume mints a fresh one per call.
func (b *JetStreamBroker) StreamBacklog(queue string) (int, error) {
	if b.js == nil {
		return 0, fmt.Errorf("broker not connected")
	}
	info, err := b.js.StreamInfo(streamNameFor(queue))
	if err != nil {
		return 0, fmt.Errorf("stream info %s: %w", queue, err)
	}
	return int(info.State.Msgs), nil
}

func (b *JetStreamBroker) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}

func streamNameFor(queue string) string {
	return "stream-" + sanitize(queue)
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
