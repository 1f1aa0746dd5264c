package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/solentra/dbkit/timeutil"
)

// Linear retries fn up to attempts times, sleeping step*attempt between
// tries (100ms, 200ms, ... for step=100ms). Wrapping an error with
// backoff.Permanent stops the loop immediately, for failure classes
// where retrying makes things worse, like "too many connections".
func Linear(ctx context.Context, clock timeutil.Clock, attempts int, step time.Duration, fn func(attempt int) error) error {
	if clock == nil {
		clock = timeutil.Default
	}
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}

		if attempt == attempts {
			break
		}
		if serr := clock.Sleep(ctx, step*time.Duration(attempt)); serr != nil {
			return serr
		}
	}
	return err
}
