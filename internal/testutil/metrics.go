/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package testutil contains helpers for asserting Prometheus metrics in tests.
package testutil

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tHelper interface {
	Helper()
}

// AssertSamplesCountInHistogramVec asserts that all histograms of the passed prometheus.HistogramVec
// contain the specified number of samples in total.
func AssertSamplesCountInHistogramVec(t assert.TestingT, histVec *prometheus.HistogramVec, wantSamplesCount int) bool {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	reg := prometheus.NewPedanticRegistry()
	if !assert.NoError(t, reg.Register(histVec)) {
		return false
	}
	gotMetrics, err := reg.Gather()
	if !assert.NoError(t, err) {
		return false
	}
	var gotSamplesCount uint64
	for _, mf := range gotMetrics {
		for _, m := range mf.GetMetric() {
			gotSamplesCount += m.GetHistogram().GetSampleCount()
		}
	}
	return assert.Equal(t, wantSamplesCount, int(gotSamplesCount))
}

// RequireSamplesCountInHistogramVec calls AssertSamplesCountInHistogramVec and fail test immediately in case of error.
func RequireSamplesCountInHistogramVec(t require.TestingT, histVec *prometheus.HistogramVec, wantSamplesCount int) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	if AssertSamplesCountInHistogramVec(t, histVec, wantSamplesCount) {
		return
	}
	t.FailNow()
}
