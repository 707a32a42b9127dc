// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"net/http"

	"github.com/GermanBionicSystems/flowbus/sf05"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	flow   prometheus.Gauge
	raw    prometheus.Gauge
	reads  prometheus.Counter
	errors *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		flow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sf05_flow",
			Help: "Last flow read from the sensor, in the configured unit.",
		}),
		raw: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sf05_raw",
			Help: "Last raw flow measurement result.",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sf05_reads_total",
			Help: "Flow reads attempted.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sf05_errors_total",
			Help: "Sensor errors by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.flow, m.raw, m.reads, m.errors)
	return m
}

func (m *metrics) observe(r sf05.Reading) {
	m.reads.Inc()
	if r.Err != nil {
		m.fail(r.Err)
		return
	}
	m.flow.Set(r.Flow)
	m.raw.Set(float64(r.Raw))
}

// fail counts a sensor error, whether it comes from a reading or not.
func (m *metrics) fail(err error) {
	m.errors.WithLabelValues(errorKind(err)).Inc()
}

// errorKind classifies a read failure for the kind label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, sf05.ErrNoAck):
		return "nack"
	case errors.Is(err, sf05.ErrChecksum):
		return "checksum"
	default:
		return "bus"
	}
}

// serveMetrics starts the Prometheus endpoint on addr in the background.
func serveMetrics(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Errorf("metrics: %v", err)
		}
	}()
	return srv
}
