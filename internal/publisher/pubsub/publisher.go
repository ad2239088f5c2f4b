// Package pubsub relays progress payloads to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Attribute keys set on every message.
const (
	AttrTopic = "relay_topic"
)

// Publisher wraps a Pub/Sub topic handle.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Dial opens a Pub/Sub client and returns a Publisher for topicID along with
// a close function that flushes pending messages and releases the client.
func Dial(ctx context.Context, projectID, topicID string) (*Publisher, func() error, error) {
	if projectID == "" || topicID == "" {
		return nil, nil, errors.New("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	closeFn := func() error {
		topic.Stop()
		return client.Close()
	}
	return New(topic), closeFn, nil
}

// Publish marshals the payload to JSON and publishes it to the topic. The
// logical topic travels as an attribute; the Pub/Sub topic is fixed.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	msg, err := newMessage(ctx, topic, payload)
	if err != nil {
		return "", err
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func newMessage(ctx context.Context, topic string, payload any) (*pubsub.Message, error) {
	return newMessageWith(ctx, otel.GetTextMapPropagator(), topic, payload)
}

func newMessageWith(
	ctx context.Context,
	prop propagation.TextMapPropagator,
	topic string,
	payload any,
) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{AttrTopic: topic}
	prop.Inject(ctx, carrier(attrs))
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}

// carrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type carrier map[string]string

var _ propagation.TextMapCarrier = carrier(nil)

func (c carrier) Get(key string) string {
	return c[key]
}

func (c carrier) Set(key, value string) {
	c[key] = value
}

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
