package database

import (
	"context"
	"errors"
	"time"

	"github.com/gocql/gocql"

	"github.com/taskmesh/taskmesh-backend/pkg/retry"
)

// DefaultRetryableConfig returns the retry configuration used for
// database operations. Only transient Cassandra failures are retried.
func DefaultRetryableConfig() *retry.RetryConfig {
	return &retry.RetryConfig{
		MaxRetries:      5,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		JitterFactor:    0.1,
		LogRetryAttempt: true,
		ShouldRetry: func(err error, attempt int) bool {
			return isRetryableError(err)
		},
	}
}

// isRetryableError reports whether the error is a transient Cassandra
// failure worth another attempt.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch err.(type) {
	case *gocql.RequestErrWriteTimeout:
		return true
	case *gocql.RequestErrReadTimeout:
		return true
	case *gocql.RequestErrUnavailable:
		return true
	}

	if errors.Is(err, gocql.ErrNoConnections) ||
		errors.Is(err, gocql.ErrConnectionClosed) ||
		errors.Is(err, gocql.ErrTimeoutNoResponse) {
		return true
	}

	switch err.Error() {
	case "no connections available":
		return true
	case "connection refused":
		return true
	case "connection reset by peer":
		return true
	case "i/o timeout":
		return true
	}

	return false
}

// RetryableQuery returns a query bound to the underlying session.
func (c *Connection) RetryableQuery(query string, values ...interface{}) *gocql.Query {
	return c.session.Query(query, values...)
}

// RetryableExec executes a statement, retrying transient failures.
func (c *Connection) RetryableExec(ctx context.Context, query string, values ...interface{}) error {
	_, err := retry.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.session.Query(query, values...).WithContext(ctx).Exec()
	}, DefaultRetryableConfig(), c.logger)
	return err
}

// RetryableScan executes a single-row query, retrying transient failures.
// Query bind values and scan destinations are passed separately.
func (c *Connection) RetryableScan(ctx context.Context, query string, values []interface{}, dest ...interface{}) error {
	_, err := retry.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.session.Query(query, values...).WithContext(ctx).Scan(dest...)
	}, DefaultRetryableConfig(), c.logger)
	return err
}

// RetryableIter returns an iterator for a multi-row query. Iteration errors
// surface through iter.Close, so no retry wrapping happens here.
func (c *Connection) RetryableIter(ctx context.Context, query string, values ...interface{}) *gocql.Iter {
	return c.session.Query(query, values...).WithContext(ctx).Iter()
}

// RetryableBatch executes a batch, retrying transient failures.
func (c *Connection) RetryableBatch(ctx context.Context, batch *gocql.Batch) error {
	_, err := retry.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.session.ExecuteBatch(batch)
	}, DefaultRetryableConfig(), c.logger)
	return err
}
