// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// sf05 reads an SF05 based flow sensor attached to two GPIOs.
//
// The readings are logged and optionally published over MQTT and exported
// as Prometheus metrics. With -sim, a simulated sensor replaces the GPIOs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GermanBionicSystems/flowbus/bitbang"
	"github.com/GermanBionicSystems/flowbus/sf05"
	"github.com/GermanBionicSystems/flowbus/sf05/sf05test"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// openBus returns the bus described by cfg.
func openBus(cfg BusConfig) (*bitbang.I2C, error) {
	var scl, sda gpio.PinIO
	if cfg.Simulate {
		b := sf05test.NewBus(&sf05test.Sensor{Flow: 32280, Serial: 0x12345678})
		scl, sda = b.SCL(), b.SDA()
	} else {
		if _, err := host.Init(); err != nil {
			return nil, err
		}
		if scl = gpioreg.ByName(cfg.SCL); scl == nil {
			return nil, fmt.Errorf("unknown pin %q", cfg.SCL)
		}
		if sda = gpioreg.ByName(cfg.SDA); sda == nil {
			return nil, fmt.Errorf("unknown pin %q", cfg.SDA)
		}
	}
	opts := bitbang.DefaultOpts
	if cfg.Float {
		opts.Pull = gpio.Float
	}
	if cfg.Simulate {
		opts.Delay = func(time.Duration) {}
	}
	bus, err := bitbang.New(scl, sda, &opts)
	if err != nil {
		return nil, err
	}
	if cfg.SpeedHz > 0 {
		if err := bus.SetSpeed(physic.Frequency(cfg.SpeedHz) * physic.Hertz); err != nil {
			return nil, err
		}
	}
	return bus, nil
}

// run polls the sensor until cfg.Poll.Count readings were taken or ctx is
// done. The metrics are registered on reg.
func run(ctx context.Context, cfg Config, reg *prometheus.Registry) error {
	bus, err := openBus(cfg.Bus)
	if err != nil {
		return err
	}
	defer bus.Close()
	dev, err := sf05.New(bus, cfg.sensorOpts())
	if err != nil {
		return err
	}
	glog.Infof("using %s", dev)

	m := newMetrics(reg)

	// Sensor errors are logged and counted; polling starts anyway.
	if cfg.Sensor.Reset {
		if err := dev.SoftReset(); err != nil {
			glog.Warningf("soft reset: %v", err)
			m.fail(err)
		} else {
			glog.Info("soft reset done")
		}
	}
	serial := unknownSerial
	if sn, err := dev.GetSerialNumber(); err != nil {
		glog.Warningf("serial number: %v", err)
		m.fail(err)
	} else {
		serial = formatSerial(sn)
		glog.Infof("serial number 0x%s", serial)
	}

	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg)
		defer srv.Close()
		glog.Infof("metrics: serving on %s", cfg.Metrics.Listen)
	}
	var pub *publisher
	if cfg.MQTT.Broker != "" {
		c, err := dialMQTT(cfg.MQTT)
		if err != nil {
			return err
		}
		defer c.Disconnect(250)
		pub = &publisher{client: c, topic: cfg.MQTT.Topic, serial: serial}
	}

	ch, err := dev.SenseContinuous(time.Duration(cfg.Poll.IntervalMs) * time.Millisecond)
	if err != nil {
		return err
	}
	defer dev.Halt()
	for n := 0; cfg.Poll.Count == 0 || n < cfg.Poll.Count; n++ {
		var r sf05.Reading
		select {
		case <-ctx.Done():
			return nil
		case r = <-ch:
		}
		m.observe(r)
		if r.Err != nil {
			glog.Warningf("%s: %v", r.Time.Format(time.RFC3339Nano), r.Err)
		} else {
			glog.V(1).Infof("%s: raw %d", r.Time.Format(time.RFC3339Nano), r.Raw)
			fmt.Printf("%8.3f\n", r.Flow)
		}
		if pub != nil {
			if err := pub.publish(r); err != nil {
				glog.Warningf("publish: %v", err)
			}
		}
	}
	return nil
}

func mainImpl() error {
	var f flags
	f.register(flag.CommandLine)
	flag.Parse()
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}
	cfg, err := loadConfig(f.config)
	if err != nil {
		return err
	}
	f.apply(flag.CommandLine, &cfg)
	if err := cfg.validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfg, prometheus.NewRegistry())
}

func main() {
	err := mainImpl()
	glog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sf05: %s.\n", err)
		os.Exit(1)
	}
}
