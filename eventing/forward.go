package eventing

import (
	"context"
	"errors"

	"github.com/agentuity/go-imaging/logger"
)

type multiSubscriber []Subscriber

func (m multiSubscriber) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forward re-publishes every message received on the given subjects of from
// onto to, under prefix + "." + subject (or the bare subject when prefix is
// empty). Headers, including the message id, are carried over. Publish
// failures on to are logged and dropped. Closing the returned Subscriber
// stops forwarding.
func Forward(ctx context.Context, log logger.Logger, from Client, to Publisher, prefix string, subjects ...string) (Subscriber, error) {
	subs := make(multiSubscriber, 0, len(subjects))
	for _, subject := range subjects {
		target := subject
		if prefix != "" {
			target = prefix + "." + subject
		}
		sub, err := from.Subscribe(ctx, subject, func(ctx context.Context, msg Message) {
			opts := make([]PublishOption, 0, len(msg.Headers()))
			for k, v := range msg.Headers() {
				opts = append(opts, WithHeader(k, v))
			}
			if err := to.Publish(ctx, target, msg.Data(), opts...); err != nil {
				log.Warn("failed to forward %s to %s: %s", msg.Subject(), target, err)
			}
		})
		if err != nil {
			subs.Close()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
