package eventing

import (
	"context"
	"fmt"
	"strings"
)

// HeaderMessageID carries the unique id assigned to every published message.
const HeaderMessageID = "message-id"

// Message represents a message received from the event system
type Message interface {
	Subject() string
	Data() []byte
	Headers() Headers
}

// Headers represents message headers that can be used for both map operations and propagation
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

type MessageCallback func(ctx context.Context, msg Message)

type Subscriber interface {
	// Close stops the subscriber
	Close() error
}

type PublishOption func(*publishOptions)

type publishOptions struct {
	Headers [][]string
}

func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		o.Headers = append(o.Headers, []string{key, value})
	}
}

func applyPublishOptions(headers Headers, opts []PublishOption) {
	options := &publishOptions{}
	for _, opt := range opts {
		opt(options)
	}
	for _, header := range options.Headers {
		if len(header) == 2 {
			headers[header[0]] = header[1]
		}
	}
}

// Publisher publishes messages to a subject
type Publisher interface {
	// Publish publishes a message to a subject
	Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error
}

// Client defines the interface for event clients
type Client interface {
	Publisher
	// Subscribe subscribes to a subject
	Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error)
	// Close closes the client
	Close() error
}

// ErrClosed is returned when publishing or subscribing on a closed client.
var ErrClosed = fmt.Errorf("eventing: client closed")

func checkSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("eventing: subject is required")
	}
	if strings.ContainsAny(subject, "*>") {
		return fmt.Errorf("eventing: subject %q must not contain wildcards", subject)
	}
	return nil
}
