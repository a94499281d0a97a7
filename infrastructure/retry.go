// Package infrastructure opens the external connections searchsync depends on.
// Every constructor returns the client, a cleanup func and an error, and does
// not return until the backend answered a ping.
package infrastructure

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "infrastructure")

// pingWithRetry calls ping until it succeeds, retrying with exponential backoff
// up to retries times. Each attempt gets its own timeout.
func pingWithRetry(ctx context.Context, name string, retries int, timeout time.Duration, ping func(ctx context.Context) error) error {
	attempt := func() error {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return ping(pctx)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var policy backoff.BackOff = bo
	if retries >= 0 {
		policy = backoff.WithMaxRetries(bo, uint64(retries))
	}

	notify := func(err error, next time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{"backend": name, "retry_in": next}).Warn("Ping failed")
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx), notify)
}
