package cleanup

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"

	"spotetl/pkg/outcome"
)

// HandleSNSEvent is the Lambda entrypoint for the outcome topic subscription.
// Records are handled independently. Malformed records are reported in the
// results but do not fail the invocation; termination failures do, so SNS
// retries the delivery.
func (s *Service) HandleSNSEvent(ctx context.Context, evt events.SNSEvent) ([]Result, error) {
	defer s.runFlush(ctx)

	results := make([]Result, 0, len(evt.Records))
	var errs []error
	for _, record := range evt.Records {
		res, err := s.Handle(ctx, []byte(record.SNS.Message))
		results = append(results, res)
		if err != nil && !errors.Is(err, outcome.ErrMalformed) {
			errs = append(errs, fmt.Errorf("message %s: %w", record.SNS.MessageID, err))
		}
	}
	return results, errors.Join(errs...)
}

func (s *Service) runFlush(ctx context.Context) {
	if s.flush == nil {
		return
	}
	if err := s.flush(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn().Err(err).Msg("flush telemetry")
	}
}
