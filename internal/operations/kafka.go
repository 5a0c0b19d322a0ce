package operations

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rakunlabs/logi"
	"github.com/segmentio/kafka-go"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// kafkaConsumerOperation is a streaming source: it consumes a topic and
// turns every record into an identity-carrying message tagged with the
// topic as its source. Offsets are committed after the message has been
// handed to the outbound endpoints (at-least-once).
//
// Params:
//
//	"brokers":  array  — bootstrap broker addresses (required)
//	"topic":    string — topic to consume (required)
//	"group_id": string — consumer group id (required)
type kafkaConsumerOperation struct {
	brokers []string
	topic   string
	groupID string
}

func init() {
	registry.Register("kafka_consumer", func() registry.Operation { return &kafkaConsumerOperation{} })
	registry.Register("kafka_producer", func() registry.Operation { return &kafkaProducerOperation{} })
}

func (o *kafkaConsumerOperation) Validate(params map[string]any) error {
	o.brokers = paramStringSlice(params, "brokers")
	if len(o.brokers) == 0 {
		return errors.New("kafka_consumer: 'brokers' is required")
	}

	o.topic = paramString(params, "topic")
	if o.topic == "" {
		return errors.New("kafka_consumer: 'topic' is required")
	}

	o.groupID = paramString(params, "group_id")
	if o.groupID == "" {
		return errors.New("kafka_consumer: 'group_id' is required")
	}

	return nil
}

func (o *kafkaConsumerOperation) Run(ctx context.Context, sender string, _, outbound []message.Endpoint, _ map[string]any) (registry.Result, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: o.brokers,
		Topic:   o.topic,
		GroupID: o.groupID,
	})
	defer reader.Close()

	logi.Ctx(ctx).Info("kafka_consumer: consuming", "topic", o.topic, "group_id", o.groupID)

	for {
		record, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ok(nil), nil
			}
			return ko(err), nil
		}

		var value any
		if err := json.Unmarshal(record.Value, &value); err != nil {
			value = string(record.Value)
		}

		msg := message.NewJSONWithSender("", sender, o.topic, value)
		for i := range outbound {
			if err := outbound[i].Send(ctx, msg); err != nil {
				logi.Ctx(ctx).Error("kafka_consumer: failed to emit message", "topic", o.topic, "error", err)
			}
		}

		if err := reader.CommitMessages(ctx, record); err != nil {
			if ctx.Err() != nil {
				return ok(nil), nil
			}
			logi.Ctx(ctx).Error("kafka_consumer: commit failed", "topic", o.topic, "error", err)
		}
	}
}

func (o *kafkaConsumerOperation) SetDatastore(kvstore.Store) {}

func (o *kafkaConsumerOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "kafka_consumer",
		Version:     "v1.0.0",
		Description: "Kafka consumer source",
	}
}

// kafkaProducerOperation publishes one record per invocation.
//
// Params:
//
//	"brokers": array  — bootstrap broker addresses (required)
//	"topic":   string — destination topic (required)
//	"key":     string — optional record key
//	"message": any    — record value; non-strings are JSON-encoded
//
// Output: the "topic" and "key" of the written record; partition and offset
// are not reported.
type kafkaProducerOperation struct {
	brokers []string
	topic   string
	key     string
	value   []byte
}

func (o *kafkaProducerOperation) Validate(params map[string]any) error {
	o.brokers = paramStringSlice(params, "brokers")
	if len(o.brokers) == 0 {
		return errors.New("kafka_producer: 'brokers' is required")
	}

	o.topic = paramString(params, "topic")
	if o.topic == "" {
		return errors.New("kafka_producer: 'topic' is required")
	}

	o.key = paramString(params, "key")

	switch v := params["message"].(type) {
	case nil:
		return errors.New("kafka_producer: 'message' is required")
	case string:
		o.value = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return errors.New("kafka_producer: 'message' is not JSON-encodable")
		}
		o.value = b
	}

	return nil
}

func (o *kafkaProducerOperation) Run(ctx context.Context, _ string, _, _ []message.Endpoint, _ map[string]any) (registry.Result, error) {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(o.brokers...),
		Topic:        o.topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: 10 * time.Second,
	}
	defer writer.Close()

	record := kafka.Message{Value: o.value}
	if o.key != "" {
		record.Key = []byte(o.key)
	}

	if err := writer.WriteMessages(ctx, record); err != nil {
		return ko(err), nil
	}

	return ok(map[string]any{"topic": o.topic, "key": o.key}), nil
}

func (o *kafkaProducerOperation) SetDatastore(kvstore.Store) {}

func (o *kafkaProducerOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "kafka_producer",
		Version:     "v1.0.0",
		Description: "Kafka producer",
	}
}
