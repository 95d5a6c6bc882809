// Package messaging carries gominer's events over Kafka: jobs to hashers,
// shares and solutions back, and host telemetry out to dashboards.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

const component = "kafka"

// Publisher sends encoded messages to a topic
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
}

// HandlerFunc processes one consumed message
type HandlerFunc func(ctx context.Context, key string, value []byte) error

// KafkaClient wraps kafka-go with JSON and protobuf payloads and one
// producer per topic
type KafkaClient struct {
	brokers        []string
	logger         log.Emitter
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client. Connections are made lazily.
func NewKafkaClient(brokers []string, logger log.Emitter) *KafkaClient {
	if logger == nil {
		logger = log.Discard
	}

	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]*kafka.Writer),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// GetProducer gets or creates a Kafka producer for a topic
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Emit(component, slog.LevelInfo, "created Kafka producer", "topic", topic)
	return writer
}

func consumerKey(topic, groupID string) string {
	return fmt.Sprintf("%s-%s", topic, groupID)
}

// GetConsumer gets or creates a Kafka consumer for a topic and group
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := consumerKey(topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     1 * time.Second,
	})

	k.readers[key] = reader
	k.logger.Emit(component, slog.LevelInfo, "created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

func (k *KafkaClient) releaseConsumer(topic, groupID string) {
	key := consumerKey(topic, groupID)

	k.readersMu.Lock()
	reader, ok := k.readers[key]
	delete(k.readers, key)
	k.readersMu.Unlock()

	if ok {
		if err := reader.Close(); err != nil {
			k.logger.Emit(component, slog.LevelError, "failed to close Kafka reader", "topic", topic, "error", err)
		}
	}
}

func (k *KafkaClient) publish(ctx context.Context, op, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, op,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Emit(component, slog.LevelDebug, "published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, "publish_proto", topic, key, data)
}

// PublishJSON publishes an already encoded JSON message to Kafka
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, data []byte) error {
	return k.publish(ctx, "publish_json", topic, key, data)
}

// PublishValue encodes v as JSON and publishes it through p
func PublishValue(ctx context.Context, p Publisher, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal", "failed to marshal message").
			WithContext("topic", topic)
	}
	return p.PublishJSON(ctx, topic, key, data)
}

// DecodeJSON decodes a consumed JSON payload
func DecodeJSON[T any](value []byte) (T, error) {
	var out T
	if err := json.Unmarshal(value, &out); err != nil {
		return out, errors.Wrap(err, errors.ErrorTypeValidation, "json_unmarshal", "failed to decode message").
			WithContext("message_size", len(value))
	}
	return out, nil
}

// ReadMessage reads the next message from reader
func (k *KafkaClient) ReadMessage(ctx context.Context, reader *kafka.Reader) (kafka.Message, error) {
	return circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (kafka.Message, error) {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeKafka, "read_message",
					"failed to read message from Kafka")
			}
			k.logger.Emit(component, slog.LevelDebug, "consumed message", "topic", msg.Topic, "key", string(msg.Key), "size", len(msg.Value))
			return msg, nil
		})
	})
}

// ConsumeProto reads the next message and unmarshals it into msg
func (k *KafkaClient) ConsumeProto(ctx context.Context, reader *kafka.Reader, msg proto.Message) (string, error) {
	kafkaMsg, err := k.ReadMessage(ctx, reader)
	if err != nil {
		return "", err
	}
	if err := proto.Unmarshal(kafkaMsg.Value, msg); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
			"failed to unmarshal protobuf message").
			WithContext("topic", kafkaMsg.Topic).
			WithContext("message_size", len(kafkaMsg.Value))
	}
	return string(kafkaMsg.Key), nil
}

// StartConsumer feeds every message on topic to handler until ctx is done.
// Handler errors are logged and the loop continues.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, handler HandlerFunc) error {
	reader := k.GetConsumer(topic, groupID)
	defer k.releaseConsumer(topic, groupID)

	k.logger.Emit(component, slog.LevelInfo, "starting consumer", "topic", topic, "group_id", groupID)

	for {
		if err := ctx.Err(); err != nil {
			k.logger.Emit(component, slog.LevelInfo, "consumer stopping", "topic", topic)
			return err
		}

		msg, err := k.ReadMessage(ctx, reader)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			k.logger.Emit(component, slog.LevelError, "failed to consume message", "topic", topic, "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		key := string(msg.Key)
		if err := handler(ctx, key, msg.Value); err != nil {
			k.logger.Emit(component, slog.LevelError, "failed to handle message", "topic", topic, "key", key, "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Emit(component, slog.LevelError, "failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.Emit(component, slog.LevelError, "failed to close consumer", "key", key, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
