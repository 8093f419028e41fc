/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package snapshot

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-governor/log"
)

// Default retry parameters of the RetryingStorage.
const (
	DefaultRetryInitialInterval = 100 * time.Millisecond
	DefaultRetryMaxAttempts     = 3
)

// BackoffPolicy creates a new backoff strategy for every Save or Load call.
type BackoffPolicy func() backoff.BackOff

// NewExponentialBackoffPolicy returns a policy that repeats up to maxAttempts times
// with exponentially growing delays.
func NewExponentialBackoffPolicy(initialInterval time.Duration, maxAttempts int) BackoffPolicy {
	return func() backoff.BackOff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = initialInterval
		var bf backoff.BackOff = eb
		if maxAttempts > 0 {
			bf = backoff.WithMaxRetries(eb, uint64(maxAttempts))
		}
		bf.Reset()
		return bf
	}
}

// RetryingStorage wraps a Storage and retries failed Save and Load calls according to the backoff policy.
type RetryingStorage struct {
	delegate Storage
	policy   BackoffPolicy
	logger   log.FieldLogger
}

var _ Storage = (*RetryingStorage)(nil)

// RetryingStorageOpts represents options for the RetryingStorage.
type RetryingStorageOpts struct {
	// Policy defines delays between attempts.
	// Exponential backoff with DefaultRetryInitialInterval and DefaultRetryMaxAttempts is used if nil.
	Policy BackoffPolicy

	// Logger is used for reporting every retry. Disabled by default.
	Logger log.FieldLogger
}

// NewRetryingStorage wraps the delegate with the default retry policy.
func NewRetryingStorage(delegate Storage) *RetryingStorage {
	return NewRetryingStorageWithOpts(delegate, RetryingStorageOpts{})
}

// NewRetryingStorageWithOpts wraps the delegate with the given options.
func NewRetryingStorageWithOpts(delegate Storage, opts RetryingStorageOpts) *RetryingStorage {
	if opts.Policy == nil {
		opts.Policy = NewExponentialBackoffPolicy(DefaultRetryInitialInterval, DefaultRetryMaxAttempts)
	}
	return &RetryingStorage{delegate: delegate, policy: opts.Policy, logger: log.OrDisabled(opts.Logger)}
}

// Save calls the delegate's Save until it succeeds, attempts are exhausted or the context is done.
func (rs *RetryingStorage) Save(ctx context.Context, entries []Entry) error {
	return rs.do(ctx, "save", func(ctx context.Context) error {
		return rs.delegate.Save(ctx, entries)
	})
}

// Load calls the delegate's Load until it succeeds, attempts are exhausted or the context is done.
func (rs *RetryingStorage) Load(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := rs.do(ctx, "load", func(ctx context.Context) error {
		var loadErr error
		entries, loadErr = rs.delegate.Load(ctx)
		return loadErr
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (rs *RetryingStorage) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bctx := backoff.WithContext(rs.policy(), ctx)
	notify := func(err error, delay time.Duration) {
		rs.logger.Warn("snapshot storage operation failed, retrying",
			log.String("operation", op), log.Duration("delay", delay), log.Error(err))
	}
	return backoff.RetryNotify(func() error {
		return fn(bctx.Context())
	}, bctx, notify)
}
