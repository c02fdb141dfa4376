// Package events publishes file lifecycle events to a redis stream so that
// out-of-band consumers (the mirror worker) can react to new uploads and
// snapshots without slowing down the request path.
package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

type Type string

const (
	TypeImageUploaded Type = "image.uploaded"
	TypeSnapshotSaved Type = "snapshot.saved"
)

type Event struct {
	Type     Type
	Name     string
	Checksum string
	Size     int64
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Values flattens the event into stream fields. Redis returns every field as a
// string, so Size is written in decimal.
func (e Event) Values() map[string]any {
	values := map[string]any{
		"type": string(e.Type),
		"name": e.Name,
		"size": strconv.FormatInt(e.Size, 10),
	}
	if e.Checksum != "" {
		values["checksum"] = e.Checksum
	}
	return values
}

var ErrMalformed = errors.New("malformed event")

func Parse(values map[string]any) (Event, error) {
	str := func(key string) string {
		if v, ok := values[key].(string); ok {
			return v
		}
		return ""
	}

	event := Event{
		Type:     Type(str("type")),
		Name:     str("name"),
		Checksum: str("checksum"),
	}
	if event.Type == "" || event.Name == "" {
		return Event{}, fmt.Errorf("%w: type and name are required", ErrMalformed)
	}
	if raw := str("size"); raw != "" {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("%w: size %q", ErrMalformed, raw)
		}
		event.Size = size
	}
	return event, nil
}

type StreamPublisher struct {
	client *redis.Client
	stream string
}

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream}
}

func (p *StreamPublisher) Publish(ctx context.Context, event Event) error {
	_, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: event.Values(),
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Nop is used when no redis address is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
