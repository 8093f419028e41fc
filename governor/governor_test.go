/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/acronis/go-governor/adaptivelimit"
	"github.com/acronis/go-governor/internal/clock"
	"github.com/acronis/go-governor/keyhash"
	"github.com/acronis/go-governor/log/logtest"
	"github.com/acronis/go-governor/lrucache"
)

type inferenceResponse struct {
	Text string `json:"text"`
}

// GovernorTestSuite contains tests for Governor driven by a simulated clock.
type GovernorTestSuite struct {
	suite.Suite
	clk         *clock.Fake
	logRecorder *logtest.Recorder
}

func TestGovernor(t *testing.T) {
	suite.Run(t, new(GovernorTestSuite))
}

func (ts *GovernorTestSuite) SetupTest() {
	ts.clk = clock.NewFake(time.Date(2024, 5, 10, 9, 15, 0, 0, time.UTC))
	ts.logRecorder = logtest.NewRecorder()
}

func (ts *GovernorTestSuite) newGovernor(baseRate int) *Governor[inferenceResponse] {
	cache, err := lrucache.NewWithOpts[inferenceResponse](100, time.Hour, lrucache.Options{Clock: ts.clk})
	ts.Require().NoError(err)
	limCfg := adaptivelimit.DefaultConfig()
	limCfg.BaseRate = baseRate
	limiter, err := adaptivelimit.New(limCfg, adaptivelimit.Options{Clock: ts.clk})
	ts.Require().NoError(err)
	g, err := New[inferenceResponse](cache, limiter, Options{Logger: ts.logRecorder, Clock: ts.clk})
	ts.Require().NoError(err)
	return g
}

func (ts *GovernorTestSuite) TestDo_CachesSuccessfulResponses() {
	g := ts.newGovernor(60)
	var calls atomic.Int32
	call := func(ctx context.Context) (inferenceResponse, error) {
		calls.Inc()
		ts.clk.Advance(500 * time.Millisecond)
		return inferenceResponse{Text: "pong"}, nil
	}

	resp, outcome, err := g.DoWithInfo(context.Background(), []byte(`{"prompt":"ping"}`), call)
	ts.Require().NoError(err)
	ts.Equal("pong", resp.Text)
	ts.Equal(Outcome{Latency: 500 * time.Millisecond}, outcome)

	resp, outcome, err = g.DoWithInfo(context.Background(), []byte(`{"prompt":"ping"}`), call)
	ts.Require().NoError(err)
	ts.Equal("pong", resp.Text)
	ts.Equal(Outcome{CacheHit: true}, outcome)

	ts.Equal(int32(1), calls.Load())
	total, failed := g.BackendCalls()
	ts.Equal(int64(1), total)
	ts.Equal(int64(0), failed)
	ts.Equal(uint64(1), g.Cache().Stats().Hits)
	ts.Equal(1, g.Limiter().Health().AdmittedInWindow)
	ts.Equal([]time.Duration{500 * time.Millisecond}, g.Limiter().Health().RecentSamples)
}

func (ts *GovernorTestSuite) TestDo_FailedCallsAreNotCachedButRecorded() {
	g := ts.newGovernor(60)
	backendErr := errors.New("backend timeout")
	call := func(ctx context.Context) (inferenceResponse, error) {
		ts.clk.Advance(6 * time.Second)
		return inferenceResponse{}, backendErr
	}

	_, outcome, err := g.DoWithInfo(context.Background(), []byte("prompt"), call)
	ts.Require().ErrorIs(err, backendErr)
	ts.Equal(6*time.Second, outcome.Latency)
	ts.Equal(45, g.Limiter().EffectiveRate())
	ts.Equal(0, g.Cache().Len())

	_, err = g.Do(context.Background(), []byte("prompt"), call)
	ts.Require().ErrorIs(err, backendErr)
	total, failed := g.BackendCalls()
	ts.Equal(int64(2), total)
	ts.Equal(int64(2), failed)

	_, found := ts.logRecorder.FindEntry("backend call failed")
	ts.True(found)
}

func (ts *GovernorTestSuite) TestDo_AdmissionError() {
	g := ts.newGovernor(1)
	call := func(ctx context.Context) (inferenceResponse, error) {
		return inferenceResponse{Text: "ok"}, nil
	}
	_, err := g.Do(context.Background(), []byte("first"), call)
	ts.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var called bool
	_, err = g.Do(ctx, []byte("second"), func(ctx context.Context) (inferenceResponse, error) {
		called = true
		return inferenceResponse{}, nil
	})
	var admErr *adaptivelimit.AdmissionError
	ts.Require().ErrorAs(err, &admErr)
	ts.ErrorIs(err, context.Canceled)
	ts.False(called)

	// Cache hits don't need admission.
	resp, err := g.Do(ctx, []byte("first"), call)
	ts.Require().NoError(err)
	ts.Equal("ok", resp.Text)
}

func (ts *GovernorTestSuite) TestDo_ConcurrentIdenticalMissesShareOneCall() {
	g := ts.newGovernor(60)
	payload := []byte(`{"prompt":"expensive"}`)
	release := make(chan struct{})
	var calls atomic.Int32
	call := func(ctx context.Context) (inferenceResponse, error) {
		calls.Inc()
		<-release
		return inferenceResponse{Text: "computed"}, nil
	}

	const numGoroutines = 5
	var wg sync.WaitGroup
	results := make([]inferenceResponse, numGoroutines)
	outcomes := make([]Outcome, numGoroutines)
	errs := make([]error, numGoroutines)
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], outcomes[i], errs[i] = g.DoWithInfo(context.Background(), payload, call)
		}(i)
	}
	waitForDups(ts.T(), &g.flight, keyhash.Sum(payload), numGoroutines-1)
	close(release)
	wg.Wait()

	ts.Equal(int32(1), calls.Load())
	for i := 0; i < numGoroutines; i++ {
		ts.NoError(errs[i])
		ts.Equal("computed", results[i].Text)
		ts.True(outcomes[i].Shared)
		ts.False(outcomes[i].CacheHit)
	}
	ts.Equal(1, g.Limiter().Health().AdmittedInWindow)
}

func (ts *GovernorTestSuite) TestDo_FollowerRetriesWhenLeaderContextIsDone() {
	g := ts.newGovernor(60)
	payload := []byte(`{"prompt":"shared"}`)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()
	leaderStarted := make(chan struct{})
	var leaderErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, leaderErr = g.Do(leaderCtx, payload, func(ctx context.Context) (inferenceResponse, error) {
			close(leaderStarted)
			<-ctx.Done()
			return inferenceResponse{}, ctx.Err()
		})
	}()
	<-leaderStarted

	var followerResp inferenceResponse
	var followerErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		followerResp, followerErr = g.Do(context.Background(), payload, func(ctx context.Context) (inferenceResponse, error) {
			return inferenceResponse{Text: "fresh"}, nil
		})
	}()
	waitForDups(ts.T(), &g.flight, keyhash.Sum(payload), 1)
	cancelLeader()
	wg.Wait()

	ts.ErrorIs(leaderErr, context.Canceled)
	ts.Require().NoError(followerErr)
	ts.Equal("fresh", followerResp.Text)
	total, failed := g.BackendCalls()
	ts.Equal(int64(2), total)
	ts.Equal(int64(1), failed)

	resp, outcome, err := g.DoWithInfo(context.Background(), payload, func(ctx context.Context) (inferenceResponse, error) {
		return inferenceResponse{}, errors.New("must not be called")
	})
	ts.Require().NoError(err)
	ts.True(outcome.CacheHit)
	ts.Equal("fresh", resp.Text)
}

func TestNew(t *testing.T) {
	cache, err := lrucache.New[string](10, time.Minute)
	require.NoError(t, err)
	limiter, err := adaptivelimit.New(adaptivelimit.DefaultConfig(), adaptivelimit.Options{})
	require.NoError(t, err)

	_, err = New[string](nil, limiter, Options{})
	require.EqualError(t, err, "cache must be specified")
	_, err = New[string](cache, nil, Options{})
	require.EqualError(t, err, "limiter must be specified")
}

func TestNewFromConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Cache.MaxEntries = 5
	cfg.Limiter.BaseRate = 30
	mc := adaptivelimit.NewPrometheusMetrics()
	g, err := NewFromConfig[string](cfg, Options{LimiterMetricsCollector: mc})
	require.NoError(t, err)
	require.Equal(t, 5, g.Cache().MaxEntries())
	require.Equal(t, 30, g.Limiter().EffectiveRate())
	require.Equal(t, adaptivelimit.DefaultWindow, g.Limiter().Config().Window)

	cfg.Cache.TTL = 0
	_, err = NewFromConfig[string](cfg, Options{})
	require.EqualError(t, err, "new cache: ttl must be greater than 0")

	cfg = NewDefaultConfig()
	cfg.Limiter.MinRate = 100
	_, err = NewFromConfig[string](cfg, Options{})
	require.EqualError(t, err, "new limiter: min rate (100) must not be greater than base rate (60)")
}
