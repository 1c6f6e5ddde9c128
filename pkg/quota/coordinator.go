package quota

import (
	"context"
	"log"
	"time"
)

// Coordinator turns quota denials into bounded waiting. A denied
// operation is not retried immediately: the coordinator asks the
// counter how long the current window has left, sleeps just past the
// roll-over, and tries again. Every other error propagates untouched.
//
// The wait is re-queried before each retry; the window may already have
// rolled while the previous attempt was doing its own work.
type Coordinator struct {
	client      *Client
	maxAttempts int
	buffer      time.Duration
}

const (
	defaultMaxAttempts = 3
	// Absorbs clock skew between worker and counter.
	defaultResetBuffer = 2 * time.Second
)

func NewCoordinator(client *Client) *Coordinator {
	return &Coordinator{
		client:      client,
		maxAttempts: defaultMaxAttempts,
		buffer:      defaultResetBuffer,
	}
}

// WithMaxAttempts overrides the retry cap.
func (c *Coordinator) WithMaxAttempts(n int) *Coordinator {
	c.maxAttempts = n
	return c
}

// WithResetBuffer overrides the slack added on top of the counter's
// reset time.
func (c *Coordinator) WithResetBuffer(d time.Duration) *Coordinator {
	c.buffer = d
	return c
}

// Run executes fn, waiting out quota denials up to the attempt cap.
func (c *Coordinator) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		denied, ok := AsDenied(err)
		if !ok || !denied.Retryable() {
			return err
		}
		if attempt == c.maxAttempts {
			break
		}

		wait, werr := c.waitTime(ctx, denied)
		if werr != nil {
			// Without a reset time there is nothing to aim for.
			log.Printf("RETRY: could not fetch counter status: %v", werr)
			return err
		}

		log.Printf("RETRY: %s limit exceeded, waiting %s before attempt %d/%d",
			denied.Scope, wait, attempt+1, c.maxAttempts)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *Coordinator) waitTime(ctx context.Context, denied *DeniedError) (time.Duration, error) {
	reset, err := c.client.secondsUntilReset(ctx, denied.Scope)
	if err != nil {
		return 0, err
	}
	return time.Duration(reset)*time.Second + c.buffer, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
