package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tidemark-io/tidemark/errs"
	"github.com/tidemark-io/tidemark/internal/observability"
	"github.com/tidemark-io/tidemark/internal/schema"
)

const (
	retryMaxAttempts = 4
	retryMaxInterval = 2 * time.Second
)

// RetryingConnector wraps a connector so transient transport faults on
// submit and cancel are retried with exponential backoff. Venue rejections
// pass through immediately.
type RetryingConnector struct {
	Connector
}

// WithRetry wraps the connector's order operations in a retry loop.
func WithRetry(inner Connector) *RetryingConnector {
	return &RetryingConnector{Connector: inner}
}

func (c *RetryingConnector) SubmitOrder(ctx context.Context, intent schema.OrderIntent) error {
	return c.retry(ctx, "submit", intent.ClientID, func() error {
		return c.Connector.SubmitOrder(ctx, intent)
	})
}

func (c *RetryingConnector) CancelOrder(ctx context.Context, intent schema.CancelIntent) error {
	return c.retry(ctx, "cancel", intent.ClientID, func() error {
		return c.Connector.CancelOrder(ctx, intent)
	})
}

func (c *RetryingConnector) retry(ctx context.Context, op, clientID string, call func() error) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = retryMaxInterval

	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !errs.HasCode(lastErr, errs.CodeNetwork) {
			return lastErr
		}
		if attempt == retryMaxAttempts {
			break
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		observability.Log().Debug("retrying order operation after transport fault",
			observability.F("venue", c.Account().Venue),
			observability.F("op", op),
			observability.F("order", clientID),
			observability.F("attempt", attempt),
			observability.F("sleep", sleep.String()))
		select {
		case <-ctx.Done():
			return errs.New(c.Account().Venue, errs.CodeNetwork,
				errs.WithMessage(fmt.Sprintf("%s %s aborted", op, clientID)),
				errs.WithCause(ctx.Err()))
		case <-time.After(sleep):
		}
	}

	return errs.New(c.Account().Venue, errs.CodeNetwork,
		errs.WithMessage(fmt.Sprintf("%s %s failed after %d attempts", op, clientID, retryMaxAttempts)),
		errs.WithCause(lastErr))
}
