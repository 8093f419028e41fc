/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-governor/adaptivelimit"
	"github.com/acronis/go-governor/internal/clock"
	"github.com/acronis/go-governor/log"
)

// DefaultAdmissionWaitTimeout is the default maximum time a request waits for admission.
const DefaultAdmissionWaitTimeout = 15 * time.Second

// AdaptiveRoundTripperOpts represents an options for AdaptiveRoundTripper.
type AdaptiveRoundTripperOpts struct {
	// WaitTimeout limits the time a request waits for admission. DefaultAdmissionWaitTimeout is used if zero.
	WaitTimeout time.Duration

	// TokensHeader is a name of the response header with the number of consumed tokens.
	// Token usage is not tracked if empty.
	TokensHeader string

	// Logger is used for reporting failed round trips and malformed token headers. Disabled by default.
	Logger log.FieldLogger

	// Clock is a source of the current time for latency measurement. Real time is used by default.
	Clock clock.Clock
}

// AdaptiveRoundTripper wraps implementing http.RoundTripper interface object and admits outgoing requests
// through the adaptive rate limiter. Latency of every round trip (until response headers are received)
// is reported back to the limiter, so it slows down when the server degrades.
type AdaptiveRoundTripper struct {
	Delegate     http.RoundTripper
	WaitTimeout  time.Duration
	TokensHeader string

	limiter *adaptivelimit.Limiter
	logger  log.FieldLogger
	clock   clock.Clock
}

// NewAdaptiveRoundTripper creates a new AdaptiveRoundTripper with default options.
func NewAdaptiveRoundTripper(delegate http.RoundTripper, limiter *adaptivelimit.Limiter) (*AdaptiveRoundTripper, error) {
	return NewAdaptiveRoundTripperWithOpts(delegate, limiter, AdaptiveRoundTripperOpts{})
}

// NewAdaptiveRoundTripperWithOpts creates a new AdaptiveRoundTripper with the specified options.
// If delegate is nil, http.DefaultTransport is used.
func NewAdaptiveRoundTripperWithOpts(
	delegate http.RoundTripper, limiter *adaptivelimit.Limiter, opts AdaptiveRoundTripperOpts,
) (*AdaptiveRoundTripper, error) {
	if limiter == nil {
		return nil, fmt.Errorf("limiter must be specified")
	}
	if opts.WaitTimeout < 0 {
		return nil, fmt.Errorf("wait timeout cannot be negative")
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = DefaultAdmissionWaitTimeout
	}
	if delegate == nil {
		delegate = http.DefaultTransport
	}
	return &AdaptiveRoundTripper{
		Delegate:     delegate,
		WaitTimeout:  opts.WaitTimeout,
		TokensHeader: opts.TokensHeader,
		limiter:      limiter,
		logger:       log.OrDisabled(opts.Logger),
		clock:        clock.OrReal(opts.Clock),
	}, nil
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (rt *AdaptiveRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), rt.WaitTimeout)
	defer cancel()

	if err := rt.limiter.Admit(ctx); err != nil {
		if r.Body != nil {
			_ = r.Body.Close() // Per RoundTripper contract.
		}
		return nil, &AdmissionWaitError{Inner: err}
	}

	startedAt := rt.clock.Now()
	resp, err := rt.Delegate.RoundTrip(r)
	elapsed := rt.clock.Now().Sub(startedAt)
	rt.limiter.RecordLatency(elapsed)
	if err != nil {
		rt.logger.Warn("round trip failed",
			log.String("method", r.Method), log.String("url", r.URL.String()),
			log.Duration("elapsed", elapsed), log.Error(err))
		return resp, err
	}

	if rt.TokensHeader != "" {
		rt.recordTokens(resp)
	}
	return resp, nil
}

func (rt *AdaptiveRoundTripper) recordTokens(resp *http.Response) {
	headerVal := resp.Header.Get(rt.TokensHeader)
	if headerVal == "" {
		return
	}
	tokens, err := strconv.Atoi(headerVal)
	if err != nil || tokens < 0 {
		rt.logger.Warn("malformed tokens header in response",
			log.String("header", rt.TokensHeader), log.String("value", headerVal))
		return
	}
	rt.limiter.RecordTokens(tokens)
}

// AdmissionWaitError is returned in RoundTrip method of AdaptiveRoundTripper
// when the request is not admitted within the wait timeout or its context is done.
type AdmissionWaitError struct {
	Inner error
}

func (e *AdmissionWaitError) Error() string {
	return fmt.Sprintf("wait for admission due to client side adaptive rate limiting: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *AdmissionWaitError) Unwrap() error {
	return e.Inner
}
