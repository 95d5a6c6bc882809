package messaging

import (
	"context"
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gominer/pkg/errors"
)

// Envelope kinds
const (
	KindMinerStats   = "miner_stats"
	KindProcessEvent = "process_event"
)

// NewEnvelope wraps v in a protobuf Struct tagged with kind
func NewEnvelope(kind string, v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_envelope", "failed to marshal payload").
			WithContext("kind", kind)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_envelope", "payload is not an object").
			WithContext("kind", kind)
	}

	s, err := structpb.NewStruct(map[string]any{
		"kind":    kind,
		"payload": payload,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_envelope", "failed to build envelope").
			WithContext("kind", kind)
	}
	return s, nil
}

// OpenEnvelope returns the kind of env and decodes its payload into T
func OpenEnvelope[T any](env *structpb.Struct) (string, T, error) {
	var out T
	kind := env.GetFields()["kind"].GetStringValue()

	payload := env.GetFields()["payload"].GetStructValue()
	if payload == nil {
		return kind, out, errors.New(errors.ErrorTypeValidation, "open_envelope", "envelope has no payload").
			WithContext("kind", kind)
	}

	data, err := protojson.Marshal(payload)
	if err != nil {
		return kind, out, errors.Wrap(err, errors.ErrorTypeValidation, "open_envelope", "failed to encode payload")
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return kind, out, errors.Wrap(err, errors.ErrorTypeValidation, "open_envelope", "failed to decode payload").
			WithContext("kind", kind)
	}
	return kind, out, nil
}

// PublishEnvelope wraps v and publishes it as protobuf
func (k *KafkaClient) PublishEnvelope(ctx context.Context, topic, key, kind string, v any) error {
	env, err := NewEnvelope(kind, v)
	if err != nil {
		return err
	}
	return k.PublishProto(ctx, topic, key, env)
}
