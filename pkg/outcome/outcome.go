// Package outcome defines the single message a compute unit publishes when its
// ETL job finishes, and the validation applied wherever that message is read.
package outcome

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the discriminator of an outcome message.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrMalformed marks payloads that can never be processed, regardless of
	// how often they are redelivered.
	ErrMalformed = errors.New("malformed outcome message")
	// ErrMissingInstance is returned when an otherwise valid message does not
	// identify the compute unit that produced it.
	ErrMissingInstance = fmt.Errorf("%w: instance_id missing", ErrMalformed)
)

// Message is published exactly once per compute unit.
type Message struct {
	Status      Status     `json:"status"`
	InstanceID  *string    `json:"instance_id"`
	Error       *string    `json:"error,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	Environment string     `json:"environment,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Meta carries the optional attributes attached to every message of a run.
type Meta struct {
	RunID       string
	Environment string
	FinishedAt  time.Time
}

// Completed builds a success message. An empty instanceID is encoded as null.
func Completed(instanceID string, meta Meta) Message {
	return Message{
		Status:      StatusCompleted,
		InstanceID:  optional(instanceID),
		RunID:       meta.RunID,
		Environment: meta.Environment,
		FinishedAt:  finishedAt(meta.FinishedAt),
	}
}

// Failed builds a failure message carrying cause's text.
func Failed(instanceID string, cause error, meta Meta) Message {
	text := "unknown error"
	if cause != nil && strings.TrimSpace(cause.Error()) != "" {
		text = cause.Error()
	}
	return Message{
		Status:      StatusFailed,
		InstanceID:  optional(instanceID),
		Error:       &text,
		RunID:       meta.RunID,
		Environment: meta.Environment,
		FinishedAt:  finishedAt(meta.FinishedAt),
	}
}

// Instance returns the instance id, or "" when the producer could not
// determine its own identity.
func (m Message) Instance() string {
	if m.InstanceID == nil {
		return ""
	}
	return *m.InstanceID
}

// ErrorText returns the failure text, or "" for completed messages.
func (m Message) ErrorText() string {
	if m.Error == nil {
		return ""
	}
	return *m.Error
}

// Validate checks the tagged-variant rules: completed carries no error and
// failed carries a non-empty one.
func (m Message) Validate() error {
	switch m.Status {
	case StatusCompleted:
		if m.Error != nil {
			return fmt.Errorf("%w: completed message carries error", ErrMalformed)
		}
	case StatusFailed:
		if strings.TrimSpace(m.ErrorText()) == "" {
			return fmt.Errorf("%w: failed message without error", ErrMalformed)
		}
	case "":
		return fmt.Errorf("%w: status missing", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown status %q", ErrMalformed, m.Status)
	}
	if m.InstanceID != nil && strings.TrimSpace(*m.InstanceID) == "" {
		return fmt.Errorf("%w: instance_id is blank", ErrMalformed)
	}
	return nil
}

// RequireInstance returns the instance id or ErrMissingInstance.
func (m Message) RequireInstance() (string, error) {
	id := strings.TrimSpace(m.Instance())
	if id == "" {
		return "", ErrMissingInstance
	}
	return id, nil
}

// Encode returns the JSON wire form after validating the message.
func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a raw outcome payload.
func Decode(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var msg Message
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.Status = Status(strings.ToLower(strings.TrimSpace(string(msg.Status))))
	if msg.Error != nil && strings.TrimSpace(*msg.Error) == "" {
		msg.Error = nil
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func finishedAt(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
