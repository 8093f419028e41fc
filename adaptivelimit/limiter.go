/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package adaptivelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/acronis/go-governor/internal/clock"
	"github.com/acronis/go-governor/log"
)

const (
	degradationFactor = 0.75
	recoveryFactor    = 1.10
)

// Status is a derived regime of the limiter.
type Status string

// Limiter statuses.
const (
	StatusNormal    Status = "normal"
	StatusThrottled Status = "throttled"
	StatusDegraded  Status = "degraded"
)

// Health is a point-in-time view of the limiter state.
type Health struct {
	EffectiveRate    int
	BaseRate         int
	MinRate          int
	EMALatency       time.Duration
	RecentSamples    []time.Duration
	AdmittedInWindow int
	TokensInWindow   int
	TokensPerMinute  int
	Waiting          int
	Status           Status
}

type tokenUsage struct {
	at    time.Time
	count int
}

// Options represents options for the Limiter.
type Options struct {
	// MetricsCollector is used to collect metrics. It can be nil, in this case, metrics will be disabled.
	MetricsCollector MetricsCollector

	// Logger is used for reporting rate transitions and blocked admissions. Disabled by default.
	Logger log.FieldLogger

	// Clock is a source of the current time and timers. Real time is used by default.
	Clock clock.Clock
}

// Limiter is a sliding-window admission gate with latency feedback.
// A single mutex guards all mutable state, it is never held while waiting.
type Limiter struct {
	cfg Config

	mu            sync.Mutex
	timestamps    []time.Time
	tokenWindow   []tokenUsage
	effectiveRate int
	emaLatency    float64 // milliseconds
	hasEMA        bool
	samples       []time.Duration
	samplesNext   int

	waiting atomic.Int32

	metricsCollector MetricsCollector
	logger           log.FieldLogger
	clock            clock.Clock
	blockedLog       rate.Sometimes
}

// New creates a new Limiter. Configuration is validated and an error is returned if it's inconsistent.
func New(cfg Config, opts Options) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetricsCollector
	}
	l := &Limiter{
		cfg:              cfg,
		effectiveRate:    cfg.BaseRate,
		samples:          make([]time.Duration, 0, cfg.SampleWindowSize),
		metricsCollector: opts.MetricsCollector,
		logger:           log.OrDisabled(opts.Logger),
		clock:            clock.OrReal(opts.Clock),
		blockedLog:       rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	l.metricsCollector.SetEffectiveRate(l.effectiveRate)
	return l, nil
}

// Config returns the configuration of the limiter.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Admit blocks until the request may be sent to the backend or the context is done.
// After each wake-up the window is pruned and re-checked, the request is admitted only if
// the window is under the effective rate at that moment.
// *AdmissionError wrapping the context error is returned if the context is done first.
func (l *Limiter) Admit(ctx context.Context) error {
	startedAt := l.clock.Now()
	if err := ctx.Err(); err != nil {
		l.metricsCollector.IncRejects()
		return &AdmissionError{Err: err}
	}

	admitted, sleepFor := l.tryAdmit(startedAt)
	if admitted {
		l.metricsCollector.ObserveAdmissionWait(0)
		return nil
	}

	l.waiting.Inc()
	defer l.waiting.Dec()

	for {
		l.blockedLog.Do(func() {
			l.logger.Debug("admission blocked, waiting for the window to free capacity",
				log.Duration("sleep_for", sleepFor), log.Int("waiting", int(l.waiting.Load())))
		})

		timer := l.clock.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.metricsCollector.IncRejects()
			return &AdmissionError{Waited: l.clock.Now().Sub(startedAt), Err: ctx.Err()}
		case <-timer.C():
		}

		now := l.clock.Now()
		if admitted, sleepFor = l.tryAdmit(now); admitted {
			l.metricsCollector.ObserveAdmissionWait(now.Sub(startedAt))
			return nil
		}
	}
}

// AdmitWithTimeout is like Admit but gives up after the timeout. It returns false if the request was not admitted.
func (l *Limiter) AdmitWithTimeout(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.Admit(ctx) == nil
}

// TryAdmit admits the request if the window is under the effective rate, it never blocks.
// If the request is not admitted, retryAfter is the time until the oldest admission leaves the window.
func (l *Limiter) TryAdmit() (admitted bool, retryAfter time.Duration) {
	if admitted, retryAfter = l.tryAdmit(l.clock.Now()); !admitted {
		l.metricsCollector.IncRejects()
	}
	return admitted, retryAfter
}

func (l *Limiter) tryAdmit(now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneTimestamps(now)
	if len(l.timestamps) < l.effectiveRate {
		l.timestamps = append(l.timestamps, now)
		return true, 0
	}
	// The window is non-empty here because effectiveRate >= MinRate > 0.
	return false, l.cfg.Window - now.Sub(l.timestamps[0])
}

// RecordLatency feeds an observed round-trip time into the EMA and adjusts the effective rate.
// Failed and timed out calls must be reported with their elapsed time too.
func (l *Limiter) RecordLatency(elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}
	elapsedMs := durationToMs(elapsed)

	l.mu.Lock()
	l.addSample(elapsed)
	if !l.hasEMA {
		l.emaLatency = elapsedMs
		l.hasEMA = true
	} else {
		l.emaLatency = l.cfg.EMAAlpha*elapsedMs + (1-l.cfg.EMAAlpha)*l.emaLatency
	}
	ema := l.emaLatency
	oldRate := l.effectiveRate
	switch {
	case ema > durationToMs(l.cfg.DegradationThreshold):
		l.effectiveRate = max(l.cfg.MinRate, int(math.Floor(float64(l.effectiveRate)*degradationFactor)))
	case ema < durationToMs(l.cfg.RecoveryThreshold):
		l.effectiveRate = min(l.cfg.BaseRate, int(math.Floor(float64(l.effectiveRate)*recoveryFactor))+1)
	}
	newRate := l.effectiveRate
	l.mu.Unlock()

	emaDuration := msToDuration(ema)
	l.metricsCollector.SetEMALatency(emaDuration)
	if newRate == oldRate {
		return
	}
	direction := RateChangeIncrease
	if newRate < oldRate {
		direction = RateChangeDecrease
	}
	l.metricsCollector.SetEffectiveRate(newRate)
	l.metricsCollector.IncRateChanges(direction)
	l.logger.Info("effective rate changed",
		log.Int("old_rate", oldRate), log.Int("new_rate", newRate), log.Duration("ema_latency", emaDuration))
}

// RecordTokens adds the number of tokens consumed by a request to the token window.
// Non-positive counts are ignored. Tokens are accounted only and don't gate admissions.
func (l *Limiter) RecordTokens(count int) {
	if count <= 0 {
		return
	}
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneTokens(now)
	l.tokenWindow = append(l.tokenWindow, tokenUsage{at: now, count: count})
}

// TokensInWindow returns the number of tokens recorded within the trailing window.
func (l *Limiter) TokensInWindow() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneTokens(now)
	return l.tokensSum()
}

// EffectiveRate returns the current number of admissions allowed per window.
func (l *Limiter) EffectiveRate() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.effectiveRate
}

// Health returns the current state of the limiter.
func (l *Limiter) Health() Health {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneTimestamps(now)
	l.pruneTokens(now)

	h := Health{
		EffectiveRate:    l.effectiveRate,
		BaseRate:         l.cfg.BaseRate,
		MinRate:          l.cfg.MinRate,
		EMALatency:       msToDuration(l.emaLatency),
		RecentSamples:    l.recentSamples(),
		AdmittedInWindow: len(l.timestamps),
		TokensInWindow:   l.tokensSum(),
		TokensPerMinute:  l.cfg.TokensPerMinute,
		Waiting:          int(l.waiting.Load()),
	}
	switch {
	case float64(l.effectiveRate) < 0.5*float64(l.cfg.BaseRate):
		h.Status = StatusDegraded
	case l.effectiveRate < l.cfg.BaseRate:
		h.Status = StatusThrottled
	default:
		h.Status = StatusNormal
	}
	return h
}

// pruneTimestamps drops admissions that are at least one window old.
func (l *Limiter) pruneTimestamps(now time.Time) {
	i := 0
	for i < len(l.timestamps) && now.Sub(l.timestamps[i]) >= l.cfg.Window {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}

func (l *Limiter) pruneTokens(now time.Time) {
	i := 0
	for i < len(l.tokenWindow) && now.Sub(l.tokenWindow[i].at) >= l.cfg.Window {
		i++
	}
	if i > 0 {
		l.tokenWindow = append(l.tokenWindow[:0], l.tokenWindow[i:]...)
	}
}

func (l *Limiter) tokensSum() int {
	sum := 0
	for _, tu := range l.tokenWindow {
		sum += tu.count
	}
	return sum
}

func (l *Limiter) addSample(d time.Duration) {
	if len(l.samples) < l.cfg.SampleWindowSize {
		l.samples = append(l.samples, d)
		return
	}
	l.samples[l.samplesNext] = d
	l.samplesNext = (l.samplesNext + 1) % l.cfg.SampleWindowSize
}

// recentSamples returns a copy of the samples from the oldest to the newest.
func (l *Limiter) recentSamples() []time.Duration {
	res := make([]time.Duration, 0, len(l.samples))
	res = append(res, l.samples[l.samplesNext:]...)
	return append(res, l.samples[:l.samplesNext]...)
}

func durationToMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
