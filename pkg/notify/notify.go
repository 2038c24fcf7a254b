// Package notify publishes outcome messages to the notification channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"spotetl/pkg/bus"
	"spotetl/pkg/outcome"
)

// ErrDelivery wraps any failure of the channel to accept a message.
var ErrDelivery = errors.New("notification delivery failed")

// Publisher sends one outcome message to the channel.
type Publisher interface {
	Publish(ctx context.Context, msg outcome.Message) (string, error)
}

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher publishes to an SNS topic.
type SNSPublisher struct {
	api      SNSAPI
	topicARN string
}

// NewSNSPublisher returns a publisher bound to topicARN.
func NewSNSPublisher(api SNSAPI, topicARN string) (*SNSPublisher, error) {
	if api == nil {
		return nil, errors.New("sns client is required")
	}
	topicARN = strings.TrimSpace(topicARN)
	if topicARN == "" {
		return nil, errors.New("topic arn is required")
	}
	return &SNSPublisher{api: api, topicARN: topicARN}, nil
}

// Publish sends msg and returns the SNS message id.
func (p *SNSPublisher) Publish(ctx context.Context, msg outcome.Message) (string, error) {
	body, err := msg.Encode()
	if err != nil {
		return "", err
	}

	out, err := p.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Status)),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: sns publish %s: %v", ErrDelivery, p.topicARN, err)
	}
	return aws.ToString(out.MessageId), nil
}

// BusPublisher publishes to a JetStream subject.
type BusPublisher struct {
	bus     *bus.Bus
	subject string
}

// NewBusPublisher returns a publisher bound to subject.
func NewBusPublisher(b *bus.Bus, subject string) (*BusPublisher, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("subject is required")
	}
	return &BusPublisher{bus: b, subject: subject}, nil
}

// Publish sends msg. JetStream does not expose a message id, so the subject is returned.
func (p *BusPublisher) Publish(ctx context.Context, msg outcome.Message) (string, error) {
	body, err := msg.Encode()
	if err != nil {
		return "", err
	}
	if err := p.bus.PublishRaw(ctx, p.subject, body); err != nil {
		return "", fmt.Errorf("%w: nats publish %s: %v", ErrDelivery, p.subject, err)
	}
	return p.subject, nil
}

// StreamName derives the JetStream stream name used for a subject.
func StreamName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_")
	return strings.ToUpper(r.Replace(strings.TrimSpace(subject)))
}
