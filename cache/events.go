package cache

import (
	"context"

	"github.com/agentuity/go-imaging/eventing"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// SubjectPromiseRemoved is published once per entry removed, evicted or purged.
	SubjectPromiseRemoved = "imagecache.promise.removed"
	// SubjectCacheFull is published once per settle that leaves the ledger at
	// or over budget, after the eviction pass.
	SubjectCacheFull = "imagecache.full"
)

// PromiseRemovedEvent is the payload of SubjectPromiseRemoved.
type PromiseRemovedEvent struct {
	Key string `json:"key" msgpack:"key"`
	// Reason is one of the Reason constants.
	Reason string `json:"reason" msgpack:"reason"`
}

// Reasons carried by PromiseRemovedEvent.
const (
	ReasonRemoved = "removed"
	ReasonEvicted = "evicted"
	ReasonPurged  = "purged"
	ReasonFailed  = "failed"
)

// cacheFullEvent is the payload of SubjectCacheFull.
type cacheFullEvent struct {
	Info Info `msgpack:"info"`
}

type notification struct {
	subject string
	payload any
}

func removedNotification(key, reason string) notification {
	return notification{SubjectPromiseRemoved, PromiseRemovedEvent{Key: key, Reason: reason}}
}

func fullNotification(info Info) notification {
	return notification{SubjectCacheFull, cacheFullEvent{Info: info}}
}

// publish sends notifications in order. Failures are logged, never returned:
// a notification problem must not fail the cache operation that caused it.
func (c *ImageCache) publish(notifications []notification) {
	for _, n := range notifications {
		data, err := msgpack.Marshal(n.payload)
		if err != nil {
			c.logger.Error("failed to encode %s notification: %s", n.subject, err)
			continue
		}
		if err := c.events.Publish(c.ctx, n.subject, data); err != nil {
			c.logger.Warn("failed to publish %s notification: %s", n.subject, err)
		}
	}
}

// OnPromiseRemoved subscribes fn to removal notifications published on client.
func OnPromiseRemoved(ctx context.Context, client eventing.Client, fn func(ctx context.Context, ev PromiseRemovedEvent)) (eventing.Subscriber, error) {
	return client.Subscribe(ctx, SubjectPromiseRemoved, func(ctx context.Context, msg eventing.Message) {
		var ev PromiseRemovedEvent
		if err := msgpack.Unmarshal(msg.Data(), &ev); err != nil {
			return
		}
		fn(ctx, ev)
	})
}

// OnCacheFull subscribes fn to cache full notifications published on client.
func OnCacheFull(ctx context.Context, client eventing.Client, fn func(ctx context.Context, info Info)) (eventing.Subscriber, error) {
	return client.Subscribe(ctx, SubjectCacheFull, func(ctx context.Context, msg eventing.Message) {
		var ev cacheFullEvent
		if err := msgpack.Unmarshal(msg.Data(), &ev); err != nil {
			return
		}
		fn(ctx, ev.Info)
	})
}

// DecodePromiseRemoved decodes the payload of a SubjectPromiseRemoved message.
func DecodePromiseRemoved(data []byte) (PromiseRemovedEvent, error) {
	var ev PromiseRemovedEvent
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return ev, errors.Wrap(err, "decoding promise removed notification")
	}
	return ev, nil
}

// DecodeCacheFull decodes the payload of a SubjectCacheFull message.
func DecodeCacheFull(data []byte) (Info, error) {
	var ev cacheFullEvent
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return Info{}, errors.Wrap(err, "decoding cache full notification")
	}
	return ev.Info, nil
}
