package eventing

import (
	"context"
	"sync"

	"github.com/agentuity/go-imaging/logger"
	"github.com/google/uuid"
)

type memoryMessage struct {
	subject string
	data    []byte
	headers Headers
}

func (m *memoryMessage) Subject() string  { return m.subject }
func (m *memoryMessage) Data() []byte     { return m.data }
func (m *memoryMessage) Headers() Headers { return m.headers }

type memorySubscription struct {
	id      string
	subject string
	ctx     context.Context
	cb      MessageCallback
	client  *memoryClient
}

func (s *memorySubscription) Close() error {
	s.client.unsubscribe(s)
	return nil
}

type memoryClient struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
	logger logger.Logger
}

var _ Client = (*memoryClient)(nil)

// NewMemoryClient returns an in-process Client. Publish delivers to every
// subscriber of the subject synchronously, in subscription order, before it
// returns. Callbacks may publish or subscribe on the same client.
func NewMemoryClient(log logger.Logger) Client {
	return &memoryClient{
		subs:   make(map[string][]*memorySubscription),
		logger: log.With(map[string]interface{}{"component": "eventing"}),
	}
}

func (c *memoryClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if err := checkSubject(subject); err != nil {
		return err
	}
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySubscription, len(c.subs[subject]))
	copy(subs, c.subs[subject])
	c.mu.RUnlock()

	headers := Headers{HeaderMessageID: uuid.New().String()}
	applyPublishOptions(headers, opts)
	propagator.Inject(ctx, headers)

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		sub.cb(sub.ctx, &memoryMessage{subject: subject, data: data, headers: headers})
	}
	if c.logger.IsLevelEnabled(logger.LevelTrace) {
		c.logger.Trace("published %s to %d subscriber(s)", subject, len(subs))
	}
	return nil
}

func (c *memoryClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	if err := checkSubject(subject); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		id:      uuid.New().String(),
		subject: subject,
		ctx:     ctx,
		cb:      cb,
		client:  c,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.subs[subject] = append(c.subs[subject], sub)
	return sub, nil
}

func (c *memoryClient) unsubscribe(sub *memorySubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[sub.subject]
	for i, s := range subs {
		if s.id == sub.id {
			c.subs[sub.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(c.subs[sub.subject]) == 0 {
		delete(c.subs, sub.subject)
	}
}

func (c *memoryClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.subs = make(map[string][]*memorySubscription)
	c.mu.Unlock()
	return nil
}
