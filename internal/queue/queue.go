package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Message is one push notification: the event name and its JSON payload.
type Message struct {
	Type string
	Body []byte
}

// Queue is the abstraction over notification transports.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel that closes when ctx is done.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisChannel broadcasts notifications over Redis pub/sub so every station sees every message.
type RedisChannel struct {
	client  *redis.Client
	channel string
}

// NewRedisChannel builds a pub/sub transport on the given channel.
func NewRedisChannel(client *redis.Client, channel string) *RedisChannel {
	if channel == "" {
		channel = "eventlog:notifications"
	}
	return &RedisChannel{client: client, channel: channel}
}

// Publish sends a message to every subscriber.
func (q *RedisChannel) Publish(ctx context.Context, msg Message) error {
	payload, err := Serialize(msg)
	if err != nil {
		return err
	}
	return q.client.Publish(ctx, q.channel, payload).Err()
}

// Consume subscribes and streams decoded messages until ctx is done.
func (q *RedisChannel) Consume(ctx context.Context) (<-chan Message, error) {
	sub := q.client.Subscribe(ctx, q.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", q.channel, err)
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				msg, err := Deserialize(m.Payload)
				if err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Serialize encodes a message as {"event": ..., "data": ...}.
func Serialize(msg Message) (string, error) {
	env := envelope{Event: msg.Type}
	if len(msg.Body) > 0 {
		if !json.Valid(msg.Body) {
			return "", errors.New("queue: body is not valid json")
		}
		env.Data = msg.Body
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Deserialize is the inverse of Serialize.
func Deserialize(s string) (Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return Message{}, fmt.Errorf("queue: decode envelope: %w", err)
	}
	if env.Event == "" {
		return Message{}, errors.New("queue: envelope without event name")
	}
	return Message{Type: env.Event, Body: []byte(env.Data)}, nil
}
