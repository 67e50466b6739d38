package eventing

import (
	"context"
	"fmt"

	"github.com/agentuity/go-imaging/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type redisMsgPayload struct {
	InternalData    []byte  `msgpack:"data"`
	InternalHeaders Headers `msgpack:"headers"`
	subject         string
}

func (m *redisMsgPayload) Subject() string {
	return m.subject
}

func (m *redisMsgPayload) Data() []byte {
	return m.InternalData
}

func (m *redisMsgPayload) Headers() Headers {
	return m.InternalHeaders
}

type redisSubscriber struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func (s *redisSubscriber) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

type redisEventingClient struct {
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger
}

var _ Client = (*redisEventingClient)(nil)

// NewRedisClient returns a Client backed by Redis pub/sub. Messages are
// msgpack envelopes carrying the payload and headers; the trace context is
// propagated through the headers. The caller owns the redis.Client lifecycle.
func NewRedisClient(ctx context.Context, log logger.Logger, rdb *redis.Client) (Client, error) {
	if rdb == nil {
		return nil, fmt.Errorf("eventing: redis client is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	return &redisEventingClient{
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(map[string]interface{}{"component": "eventing", "transport": "redis"}),
	}, nil
}

func newPubRedisMessage(ctx context.Context, data []byte, opts []PublishOption) redisMsgPayload {
	msg := redisMsgPayload{
		InternalData:    data,
		InternalHeaders: make(Headers),
	}
	applyPublishOptions(msg.InternalHeaders, opts)
	return msg
}

func (c *redisEventingClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if err := checkSubject(subject); err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	msg := newPubRedisMessage(ctx, data, opts)
	if msg.InternalHeaders[HeaderMessageID] == "" {
		msg.InternalHeaders[HeaderMessageID] = uuid.New().String()
	}
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, msg.InternalHeaders)

	spanCtx, span := tracer.Start(ctx, "Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	payload, err := msgpack.Marshal(msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := c.rdb.Publish(spanCtx, subject, payload).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	span.SetStatus(codes.Ok, "message published")
	return nil
}

func (c *redisEventingClient) internalCallback(ctx context.Context, subject string, payload []byte, cb MessageCallback) {
	msg := redisMsgPayload{subject: subject}
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		c.logger.Error("failed to decode message on %s: %s", subject, err)
		return
	}
	if msg.InternalHeaders == nil {
		msg.InternalHeaders = make(Headers)
	}
	// extract the trace context from the headers
	spanCtx, span := tracer.Start(
		propagator.Extract(ctx, msg.InternalHeaders),
		"internalCallback",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	cb(spanCtx, &msg)
}

func (c *redisEventingClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	if err := checkSubject(subject); err != nil {
		return nil, err
	}
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	pubsub := c.rdb.Subscribe(ctx, subject)
	// wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-c.ctx.Done():
				return
			case redisMsg, ok := <-ch:
				if !ok {
					return
				}
				c.internalCallback(subCtx, redisMsg.Channel, []byte(redisMsg.Payload), cb)
			}
		}
	}()

	return &redisSubscriber{pubsub: pubsub, cancel: cancel}, nil
}

func (c *redisEventingClient) Close() error {
	c.cancel()
	return nil
}
