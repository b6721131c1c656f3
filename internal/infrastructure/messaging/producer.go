package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"z-novel-pipeline/internal/application/batch"
	"z-novel-pipeline/pkg/metrics"
)

var tracer = otel.Tracer("messaging")

// Producer 消息生产者
type Producer struct {
	client *redis.Client
	maxLen int64
}

// NewProducer 创建消息生产者
func NewProducer(client *redis.Client, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &Producer{
		client: client,
		maxLen: maxLen,
	}
}

// Publish 发布消息到指定流
func (p *Producer) Publish(ctx context.Context, stream Stream, msg *Message) (string, error) {
	ctx, span := tracer.Start(ctx, "producer.Publish",
		trace.WithAttributes(
			attribute.String("stream", string(stream)),
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
		))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":     msg.Type,
			"batch_id": msg.BatchID,
			"data":     string(data),
		},
	}).Result()

	if err != nil {
		span.RecordError(err)
		metrics.RedisStreamPublished.WithLabelValues(string(stream), "error").Inc()
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	metrics.RedisStreamPublished.WithLabelValues(string(stream), "ok").Inc()
	span.SetAttributes(attribute.String("stream.message_id", result))
	return result, nil
}

// EventSink 把编排事件写入 StreamBatchEvents；进度事件只在进程内分发
type EventSink struct {
	producer *Producer
}

var _ batch.EventSink = (*EventSink)(nil)

// NewEventSink 创建事件出口
func NewEventSink(producer *Producer) *EventSink {
	return &EventSink{producer: producer}
}

// Publish 实现 batch.EventSink
func (s *EventSink) Publish(ctx context.Context, evt batch.Event) error {
	msg, ok, err := EventMessage(evt)
	if err != nil || !ok {
		return err
	}
	_, err = s.producer.Publish(ctx, StreamBatchEvents, msg)
	return err
}

// EventMessage 事件转消息；第二个返回值为 false 表示该事件不入流
func EventMessage(evt batch.Event) (*Message, bool, error) {
	if evt.Type == batch.EventUnitProgress {
		return nil, false, nil
	}

	msg, err := NewMessage(evt.ID, string(evt.Type), evt.BatchID, evt.ProjectID, evt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build event message: %w", err)
	}
	msg.CreatedAt = evt.Timestamp
	msg.SetMetadata("unit_index", strconv.Itoa(evt.UnitIndex))
	if evt.Sequence > 0 {
		msg.SetMetadata("sequence", strconv.Itoa(evt.Sequence))
	}
	if evt.IsFinal() {
		msg.SetMetadata("final", "true")
	}
	return msg, true, nil
}
