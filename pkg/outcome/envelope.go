package outcome

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// snsEnvelope is the body SNS delivers to HTTP/SQS subscribers.
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	TopicArn  string `json:"TopicArn"`
	Message   string `json:"Message"`
}

// Unwrap returns the outcome payload carried by data, which may be either the
// raw message or an SNS notification envelope around it.
func Unwrap(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var env snsEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "Notification" {
		return []byte(env.Message), nil
	}
	return trimmed, nil
}

// DecodeDelivery unwraps an optional SNS envelope and decodes the message.
func DecodeDelivery(data []byte) (Message, error) {
	payload, err := Unwrap(data)
	if err != nil {
		return Message{}, err
	}
	return Decode(payload)
}
