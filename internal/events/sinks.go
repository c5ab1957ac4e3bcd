package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"master-session-service/internal/client"
	"master-session-service/internal/models"
)

// EventSink receives flushed batches of security events. WriteBatch must be
// all-or-nothing from the caller's perspective: on error the whole batch is
// requeued, so sinks should tolerate redelivery.
type EventSink interface {
	WriteBatch(ctx context.Context, batch []models.SecurityEvent) error
}

// KafkaSink appends every event to the high-volume security_logs topic.
type KafkaSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSink(producer *client.KafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) WriteBatch(ctx context.Context, batch []models.SecurityEvent) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, event := range batch {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(event.ID),
			Value: value,
			Time:  event.Timestamp,
		})
	}
	return s.producer.ProduceMessages(ctx, s.topic, msgs)
}

// ClickHouseSink writes events into the indexed table used by the
// statistics view.
type ClickHouseSink struct {
	ch    *client.ClickHouseClient
	table string
}

func NewClickHouseSink(ch *client.ClickHouseClient, table string) *ClickHouseSink {
	return &ClickHouseSink{ch: ch, table: table}
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, batch []models.SecurityEvent) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, event := range batch {
		details, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode details for event %s: %w", event.ID, err)
		}
		rows = append(rows, []interface{}{
			event.ID,
			event.Timestamp,
			event.Timestamp.UTC().Format("2006-01-02"),
			event.EventType,
			event.Level,
			event.UserID,
			event.Message,
			string(details),
			event.IPAddress,
			event.UserAgent,
			event.SessionID,
			int32(event.EventBucket),
		})
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (id, event_time, event_date, event_type, level, user_id, message, details, ip_address, user_agent, session_id, event_bucket)",
		s.table,
	)
	return s.ch.BatchInsert(ctx, query, rows)
}

// NopSink discards batches. Used when no durable sink came up; the ring
// buffer still serves queries and statistics.
type NopSink struct{}

func (NopSink) WriteBatch(ctx context.Context, batch []models.SecurityEvent) error {
	return nil
}

// MultiSink fans a batch out to several sinks concurrently. Any failure
// fails the whole batch so it gets requeued; sinks that already took the
// write see it again on retry, which the sink contract allows.
type MultiSink struct {
	sinks   []EventSink
	timeout time.Duration
}

func NewMultiSink(sinks ...EventSink) *MultiSink {
	return &MultiSink{sinks: sinks, timeout: 15 * time.Second}
}

func (s *MultiSink) WriteBatch(ctx context.Context, batch []models.SecurityEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, sink := range s.sinks {
		sink := sink
		g.Go(func() error {
			return sink.WriteBatch(ctx, batch)
		})
	}
	return g.Wait()
}
