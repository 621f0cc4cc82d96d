// Package journal manages the append-only, partitioned message log backed by
// NATS JetStream. Message events are appended here independently of the
// real-time relay path; the durable write pipeline (internal/pipeline)
// consumes the log and persists each entry to Postgres.
//
// Messages of the same conversation always land on the same partition
// subject, so a partition preserves their relative order.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/courier/chat-relay/internal/event"
)

const (
	// StreamName is the JetStream stream holding all message events.
	StreamName = "COURIER_MESSAGES"

	// subjectPrefix is the base for per-partition subjects,
	// messages.store.<partition>.
	subjectPrefix = "messages.store."

	// SubjectDeadLetter receives entries the pipeline gave up on after the
	// retry bound was exhausted.
	SubjectDeadLetter = "messages.dead"

	// DefaultPartitions is the default partition count. It must match
	// between appenders and the pipeline consumers.
	DefaultPartitions = 8

	// MaxAge bounds how long unconsumed entries are retained.
	MaxAge = 7 * 24 * time.Hour
)

// PartitionSubject returns the subject for a given partition index.
func PartitionSubject(partition int) string {
	return fmt.Sprintf("%s%d", subjectPrefix, partition)
}

// EnsureStream creates or updates the message log stream. It is idempotent
// and safe to call from every instance at startup.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + "*", SubjectDeadLetter},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    MaxAge,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("journal: ensure stream %s: %w", StreamName, err)
	}
	return nil
}

// Appender appends message events to the partitioned log.
type Appender struct {
	js         jetstream.JetStream
	partitions int
}

// NewAppender creates an appender over the given JetStream context. A
// non-positive partition count falls back to DefaultPartitions.
func NewAppender(js jetstream.JetStream, partitions int) *Appender {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	return &Appender{js: js, partitions: partitions}
}

// Append writes a message event to its conversation's partition. The append
// is acknowledged by the stream before Append returns; failure leaves the
// real-time relay path untouched and is the caller's to log.
func (a *Appender) Append(ctx context.Context, ev event.MessageEvent) error {
	data, err := event.EncodeMessage(ev)
	if err != nil {
		return err
	}

	subject := PartitionSubject(ev.Partition(a.partitions))
	if _, err := a.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("journal: append id=%d to %s: %w", ev.ID, subject, err)
	}
	return nil
}

// Partitions returns the partition count this appender spreads across.
func (a *Appender) Partitions() int {
	return a.partitions
}
