package reconnect

import (
	"context"

	"github.com/cenkalti/backoff/v5"

	"github.com/ehcache-go/hotrodproxy/pkg/logging"
)

// WithBackoff retries attempt with exponential backoff and jitter until
// it succeeds, ctx is done, or backoff.Retry's default maximum elapsed
// time runs out, returning the final error (nil on success). This is the reconnect-attempt analogue of the teacher's own
// retry-with-backoff dial loop, swapped onto a real backoff
// implementation instead of a hand-rolled one.
func WithBackoff(ctx context.Context, logger logging.Logger, attempt func(ctx context.Context) error) error {
	if logger == nil {
		logger = logging.Nop
	}
	b := backoff.NewExponentialBackOff()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := attempt(ctx); err != nil {
			logger.Log(logging.LevelWarn, "reconnect attempt failed, backing off", "err", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b))

	return err
}
