package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"

	"spotetl/pkg/bus"
)

// Subscriber is the durable-consumer surface of the bus.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler) (io.Closer, error)
}

// Consumer binds a durable name to a delivery handler.
type Consumer struct {
	Durable string
	Handle  bus.Handler
}

// Subscribe attaches every consumer to subject. On failure the subscriptions
// already made are closed. The returned function closes all of them.
func Subscribe(ctx context.Context, sub Subscriber, subject string, consumers ...Consumer) (func() error, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}

	var closers []io.Closer
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}

	for _, c := range consumers {
		if c.Durable == "" || c.Handle == nil {
			_ = closeAll()
			return nil, errors.New("consumer needs a durable name and a handler")
		}
		closer, err := sub.Subscribe(ctx, subject, c.Durable, c.Handle)
		if err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("subscribe %s as %s: %w", subject, c.Durable, err)
		}
		closers = append(closers, closer)
	}
	return closeAll, nil
}
