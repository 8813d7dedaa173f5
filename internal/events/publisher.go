// Package events fans security events out to Kafka and ClickHouse. The
// pipeline is best-effort: a sink failure is logged, never surfaced to the
// login flow.
package events

import (
	"context"
	"encoding/json"
	"time"

	"assist-auth/internal/bucketing"
	"assist-auth/internal/client"
	"assist-auth/internal/models"
	"assist-auth/internal/util"
)

const insertAuthEvent = `
    INSERT INTO auth_events (
        event_bucket, event_type, channel, identifier, user_id,
        event_date, event_time, detail
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// Publisher records auth events. Either sink may be nil; a Publisher with no
// sinks is still safe to call.
type Publisher struct {
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	buckets    *bucketing.Manager
}

func NewPublisher(producer *client.KafkaProducer, clickhouse *client.ClickHouseClient, buckets *bucketing.Manager) *Publisher {
	return &Publisher{
		producer:   producer,
		clickhouse: clickhouse,
		buckets:    buckets,
	}
}

// Publish records one event. The identifier must already be masked by the
// caller; this layer never sees raw identifiers or codes.
func (p *Publisher) Publish(ctx context.Context, eventType, channel, maskedIdentifier, userID, detail string) {
	event := &models.AuthEvent{
		EventBucket: p.buckets.GetEventBucket(maskedIdentifier),
		EventType:   eventType,
		Channel:     channel,
		Identifier:  maskedIdentifier,
		UserID:      userID,
		EventDate:   p.buckets.GetDateBucket(),
		EventTime:   time.Now().UTC(),
		Detail:      detail,
	}

	p.publishKafka(ctx, event)
	p.insertClickhouse(ctx, event)
}

func (p *Publisher) publishKafka(ctx context.Context, event *models.AuthEvent) {
	if p.producer == nil {
		return
	}

	value, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal auth event", util.ErrorField(err))
		return
	}

	if err := p.producer.ProduceMessage(ctx, []byte(event.EventType), value); err != nil {
		util.Warn("Failed to publish auth event to Kafka",
			util.String("event_type", event.EventType),
			util.ErrorField(err))
	}
}

func (p *Publisher) insertClickhouse(ctx context.Context, event *models.AuthEvent) {
	if p.clickhouse == nil {
		return
	}

	err := p.clickhouse.Exec(ctx, insertAuthEvent,
		event.EventBucket, event.EventType, event.Channel, event.Identifier,
		event.UserID, event.EventDate, event.EventTime, event.Detail)
	if err != nil {
		util.Warn("Failed to insert auth event into ClickHouse",
			util.String("event_type", event.EventType),
			util.ErrorField(err))
	}
}
