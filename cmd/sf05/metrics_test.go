// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/GermanBionicSystems/flowbus/sf05"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsObserve(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())
	m.observe(sf05.Reading{Time: time.Now(), Raw: 32280, Flow: 2})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.flow))
	assert.Equal(t, 32280.0, testutil.ToFloat64(m.raw))

	m.observe(sf05.Reading{Err: fmt.Errorf("sf05: read result: %w", sf05.ErrNoAck)})
	m.observe(sf05.Reading{Err: fmt.Errorf("sf05: read result: %w", sf05.ErrChecksum)})
	m.observe(sf05.Reading{Err: errors.New("gpio: broken")})
	assert.Equal(t, 4.0, testutil.ToFloat64(m.reads))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("nack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("checksum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("bus")))
	// A failed read leaves the last value in place.
	assert.Equal(t, 2.0, testutil.ToFloat64(m.flow))

	m.fail(sf05.ErrNoAck)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.errors.WithLabelValues("nack")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.reads))
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	newMetrics(reg)
	n, err := testutil.GatherAndCount(reg, "sf05_flow", "sf05_raw", "sf05_reads_total")
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}
