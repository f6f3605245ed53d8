// Package events carries structured operations from the engine to the presentation
// layer over a watermill event bus.
package events

import (
	"context"
	"encoding/json"

	Logger "github.com/bryan-buckman/followsync/internal/log"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
)

// Topic is the bus topic every event is published on.
const Topic = "follows.events"

// Op names an outward operation.
type Op string

const (
	OpReplace      Op = "replace"
	OpRemove       Op = "remove"
	OpError        Op = "error"
	OpSubscription Op = "subscription"
	OpDiscovery    Op = "discovery"
	OpExported     Op = "exported"
)

// Event is one outward operation. Only the fields relevant to Op are set.
type Event struct {
	Op       Op                    `json:"op"`
	Path     string                `json:"path,omitempty"`
	Value    any                   `json:"value,omitempty"`
	Message  string                `json:"message,omitempty"`
	Follow   *model.Follow         `json:"follow,omitempty"`
	Feeds    []model.FeedCandidate `json:"feeds,omitempty"`
	Format   string                `json:"format,omitempty"`
	MimeType string                `json:"mimeType,omitempty"`
	Contents string                `json:"contents,omitempty"`
}

func Replace(path string, value any) Event {
	return Event{Op: OpReplace, Path: path, Value: value}
}

func Remove(path string) Event {
	return Event{Op: OpRemove, Path: path}
}

func Error(msg string) Event {
	return Event{Op: OpError, Message: msg}
}

// Subscription reports a follow that was saved successfully.
func Subscription(f *model.Follow) Event {
	return Event{Op: OpSubscription, Follow: f}
}

// Discovery asks the user to pick among several feeds found for f.
func Discovery(feeds []model.FeedCandidate, f *model.Follow) Event {
	return Event{Op: OpDiscovery, Feeds: feeds, Follow: f}
}

func Exported(format, mimeType, contents string) Event {
	return Event{Op: OpExported, Format: format, MimeType: mimeType, Contents: contents}
}

// Bus publishes events on an in-process gochannel. For now the presentation layer
// lives in the same process; a broker-backed publisher can replace it later.
type Bus struct {
	pubsub *gochannel.GoChannel
}

func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            100,
				BlockPublishUntilSubscriberAck: false,
			},
			watermill.NewStdLogger(false, false),
		),
	}
}

// Emit publishes ev. Events are best effort: failures are logged, never returned.
func (b *Bus) Emit(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		Logger.Log.WithField("op", ev.Op).WithError(err).Errorln("cannot encode event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		Logger.Log.WithField("op", ev.Op).WithError(err).Warnln("cannot publish event")
	}
}

// Subscribe returns the raw JSON payloads of events published after the call.
// The channel closes when ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to events")
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range messages {
			msg.Ack()
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}
