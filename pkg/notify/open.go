package notify

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/nats-io/nats.go"

	"spotetl/pkg/bus"
	"spotetl/pkg/config"
)

// Open builds the publisher selected by cfg.Backend. The returned release
// function closes any connection Open created.
func Open(cfg config.Notification, awsCfg aws.Config) (Publisher, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	switch cfg.Backend {
	case config.BackendNATS:
		b, err := bus.New(cfg.NATSURL, nats.Name("spotetl-publisher"), nats.MaxReconnects(10))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: connect nats: %v", ErrDelivery, err)
		}
		if err := b.EnsureStream(StreamName(cfg.TopicID), cfg.TopicID); err != nil {
			b.Close()
			return nil, nil, err
		}
		p, err := NewBusPublisher(b, cfg.TopicID)
		if err != nil {
			b.Close()
			return nil, nil, err
		}
		return p, b.Close, nil
	default:
		p, err := NewSNSPublisher(sns.NewFromConfig(awsCfg), cfg.TopicID)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	}
}
