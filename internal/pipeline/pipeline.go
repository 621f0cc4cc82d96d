// Package pipeline implements the durable write path: it consumes message
// events from the partitioned log and persists each one to storage.
//
// Failure policy is pause/resume backpressure, per partition. Each
// partition has its own durable consumer with at most one unacknowledged
// delivery, so a persistence failure stalls only that partition: the failed
// message is negatively acknowledged with a cooldown delay and is the first
// one redelivered on resume. Retries are bounded — after MaxAttempts the
// entry is routed to the dead-letter subject instead of looping forever.
// The correctness target is at-least-once persistence: a crash between a
// successful insert and its acknowledgment can persist a message twice.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/courier/chat-relay/internal/event"
	"github.com/courier/chat-relay/internal/journal"
	"github.com/courier/chat-relay/internal/metrics"
)

// insertTimeout bounds a single storage insert.
const insertTimeout = 10 * time.Second

// Store is the persistence collaborator's insert contract.
type Store interface {
	Insert(ctx context.Context, sender, recipient, message string, ts time.Time) error
}

// Config holds pipeline tuning parameters.
type Config struct {
	Durable     string        // durable consumer name prefix
	Partitions  int           // must match the appender's partition count
	Cooldown    time.Duration // pause after the first failed attempt
	MaxCooldown time.Duration // cap for the escalating cooldown
	MaxAttempts int           // delivery attempts before dead-lettering
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Durable:     "courier-persister",
		Partitions:  journal.DefaultPartitions,
		Cooldown:    30 * time.Second,
		MaxCooldown: 10 * time.Minute,
		MaxAttempts: 8,
	}
}

// Pipeline consumes the message log and writes each entry to the store.
type Pipeline struct {
	js          jetstream.JetStream
	store       Store
	config      Config
	publishDead func(ctx context.Context, data []byte) error
}

// New creates a Pipeline over the given JetStream context and store.
func New(js jetstream.JetStream, store Store, config Config) *Pipeline {
	p := &Pipeline{js: js, store: store, config: config}
	p.publishDead = func(ctx context.Context, data []byte) error {
		_, err := js.Publish(ctx, journal.SubjectDeadLetter, data)
		return err
	}
	return p
}

// Run ensures the log stream exists, starts one durable consumer per
// partition, and blocks until ctx is cancelled. Cancellation stops every
// consumer, including partitions currently sitting out a cooldown — the
// pause is held by the pending redelivery, not by this process, so
// shutdown never waits for a cooldown to elapse.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := journal.EnsureStream(ctx, p.js); err != nil {
		return err
	}

	stream, err := p.js.Stream(ctx, journal.StreamName)
	if err != nil {
		return fmt.Errorf("pipeline: get stream %s: %w", journal.StreamName, err)
	}

	consumeCtxs := make([]jetstream.ConsumeContext, 0, p.config.Partitions)
	for part := 0; part < p.config.Partitions; part++ {
		cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       fmt.Sprintf("%s-p%d", p.config.Durable, part),
			FilterSubject: journal.PartitionSubject(part),
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			MaxAckPending: 1, // serializes the partition; a failure stalls only this one
			MaxDeliver:    p.config.MaxAttempts,
			AckWait:       30 * time.Second,
		})
		if err != nil {
			stopAll(consumeCtxs)
			return fmt.Errorf("pipeline: create consumer for partition %d: %w", part, err)
		}

		cc, err := cons.Consume(p.handle)
		if err != nil {
			stopAll(consumeCtxs)
			return fmt.Errorf("pipeline: consume partition %d: %w", part, err)
		}
		consumeCtxs = append(consumeCtxs, cc)
	}

	log.Printf("pipeline: consuming %d partitions (durable=%s, cooldown=%s, max_attempts=%d)",
		p.config.Partitions, p.config.Durable, p.config.Cooldown, p.config.MaxAttempts)

	<-ctx.Done()

	stopAll(consumeCtxs)
	log.Printf("pipeline: stopped")
	return nil
}

// handle processes a single log entry. Outcomes:
//   - insert succeeds: ack, the partition advances.
//   - insert fails, attempts remain: nak with the escalating cooldown; the
//     partition is paused and this message is redelivered first.
//   - insert fails on the final attempt, or the payload is undecodable:
//     publish to the dead-letter subject and terminate the delivery.
func (p *Pipeline) handle(msg jetstream.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	ev, err := event.DecodeMessage(msg.Data())
	if err != nil {
		log.Printf("pipeline: undecodable entry on %s: %v (dead-lettering)", msg.Subject(), err)
		p.deadLetter(ctx, msg)
		return
	}

	start := time.Now()
	err = p.store.Insert(ctx, ev.Sender, ev.Recipient, ev.Message, time.Now().UTC())
	metrics.PersistLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.Persisted.WithLabelValues("ok").Inc()
		if ackErr := msg.Ack(); ackErr != nil {
			log.Printf("pipeline: ack id=%d: %v", ev.ID, ackErr)
		}
		return
	}

	metrics.Persisted.WithLabelValues("error").Inc()

	attempt := 1
	if meta, metaErr := msg.Metadata(); metaErr == nil {
		attempt = int(meta.NumDelivered)
	}

	if attempt >= p.config.MaxAttempts {
		log.Printf("pipeline: giving up id=%d subject=%s after %d attempts: %v",
			ev.ID, msg.Subject(), attempt, err)
		p.deadLetter(ctx, msg)
		return
	}

	delay := p.cooldownFor(attempt)
	log.Printf("pipeline: insert failed id=%d subject=%s attempt=%d: %v (pausing partition for %s)",
		ev.ID, msg.Subject(), attempt, err, delay)
	if nakErr := msg.NakWithDelay(delay); nakErr != nil {
		log.Printf("pipeline: nak id=%d: %v", ev.ID, nakErr)
	}
}

// deadLetter publishes the raw entry to the dead-letter subject and
// terminates the delivery so the partition can advance. If the dead-letter
// publish itself fails, the message is nak'd instead: losing it silently is
// worse than another retry round.
func (p *Pipeline) deadLetter(ctx context.Context, msg jetstream.Msg) {
	if err := p.publishDead(ctx, msg.Data()); err != nil {
		log.Printf("pipeline: dead-letter publish failed on %s: %v (nak instead)", msg.Subject(), err)
		if nakErr := msg.NakWithDelay(p.config.Cooldown); nakErr != nil {
			log.Printf("pipeline: nak after dead-letter failure: %v", nakErr)
		}
		return
	}

	metrics.DeadLetters.Inc()
	if err := msg.Term(); err != nil {
		log.Printf("pipeline: term on %s: %v", msg.Subject(), err)
	}
}

// cooldownFor returns the pause before redelivery after the given attempt
// number, doubling each round up to the configured cap.
func (p *Pipeline) cooldownFor(attempt int) time.Duration {
	delay := p.config.Cooldown
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.config.MaxCooldown {
			return p.config.MaxCooldown
		}
	}
	if delay > p.config.MaxCooldown {
		delay = p.config.MaxCooldown
	}
	return delay
}

func stopAll(ccs []jetstream.ConsumeContext) {
	for _, cc := range ccs {
		cc.Stop()
	}
}
