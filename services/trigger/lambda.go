package trigger

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
)

// Response is returned to the scheduler that invoked the function.
type Response struct {
	RequestID  string  `json:"request_id"`
	InstanceID *string `json:"instance_id,omitempty"`
}

// HandleScheduledEvent is the Lambda entrypoint for EventBridge schedules. A
// provisioning failure is returned so the invocation is reported as failed.
func (s *Service) HandleScheduledEvent(ctx context.Context, evt events.EventBridgeEvent) (Response, error) {
	s.logger.Debug().Str("event_id", evt.ID).Str("source", evt.Source).Msg("scheduled event received")

	defer s.runFlush(ctx)

	handle, err := s.Invoke(ctx)
	if err != nil {
		return Response{}, err
	}
	return Response{RequestID: handle.RequestID, InstanceID: handle.InstanceID}, nil
}

func (s *Service) runFlush(ctx context.Context) {
	if s.flush == nil {
		return
	}
	if err := s.flush(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn().Err(err).Msg("flush telemetry")
	}
}
