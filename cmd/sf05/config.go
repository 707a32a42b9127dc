// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/GermanBionicSystems/flowbus/sf05"
	"gopkg.in/yaml.v3"
)

// Config is the tool configuration. It is read from YAML and then overridden
// by the flags given on the command line.
type Config struct {
	Bus     BusConfig     `yaml:"bus"`
	Sensor  SensorConfig  `yaml:"sensor"`
	Poll    PollConfig    `yaml:"poll"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type BusConfig struct {
	SCL     string `yaml:"scl"`
	SDA     string `yaml:"sda"`
	SpeedHz int64  `yaml:"speed_hz"`
	// Float releases the lines without the internal pull-up.
	Float bool `yaml:"float"`
	// Simulate replaces the GPIOs with a simulated sensor.
	Simulate bool `yaml:"simulate"`
}

type SensorConfig struct {
	Address         uint16  `yaml:"address"`
	Offset          float64 `yaml:"offset"`
	Scale           float64 `yaml:"scale"`
	Retries         int     `yaml:"retries"`
	RetryIntervalMs int     `yaml:"retry_interval_ms"`
	Reset           bool    `yaml:"reset"`
}

type PollConfig struct {
	IntervalMs int `yaml:"interval_ms"`
	// Count is the number of readings to take. 0 polls until interrupted.
	Count int `yaml:"count"`
}

type MQTTConfig struct {
	// Broker is a URL such as tcp://localhost:1883. Empty disables
	// publishing.
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type MetricsConfig struct {
	// Listen is the address of the Prometheus endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

func defaultConfig() Config {
	return Config{
		Bus: BusConfig{SCL: "GPIO24", SDA: "GPIO23"},
		Sensor: SensorConfig{
			Address:         sf05.Address,
			Offset:          sf05.SFM3000Offset,
			Scale:           sf05.SFM3000Scale,
			Retries:         sf05.DefaultOpts.FlowRetries,
			RetryIntervalMs: int(sf05.DefaultOpts.RetryInterval / time.Millisecond),
		},
		Poll: PollConfig{IntervalMs: 100},
		MQTT: MQTTConfig{Topic: "sf05/flow"},
	}
}

// loadConfig returns the defaults overlaid with the YAML file at path. An
// empty path returns the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.Bus.Simulate && (c.Bus.SCL == "" || c.Bus.SDA == "") {
		return errors.New("bus: scl and sda are required")
	}
	if c.Bus.SpeedHz < 0 {
		return fmt.Errorf("bus: invalid speed_hz %d", c.Bus.SpeedHz)
	}
	if c.Sensor.Address > 0x7f {
		return fmt.Errorf("sensor: invalid address 0x%x", c.Sensor.Address)
	}
	if c.Sensor.Scale == 0 {
		return errors.New("sensor: scale must not be 0")
	}
	if c.Sensor.Retries <= 0 {
		return fmt.Errorf("sensor: invalid retries %d", c.Sensor.Retries)
	}
	if c.Sensor.RetryIntervalMs <= 0 {
		return fmt.Errorf("sensor: invalid retry_interval_ms %d", c.Sensor.RetryIntervalMs)
	}
	if c.Poll.IntervalMs <= 0 {
		return fmt.Errorf("poll: invalid interval_ms %d", c.Poll.IntervalMs)
	}
	if c.Poll.Count < 0 {
		return fmt.Errorf("poll: invalid count %d", c.Poll.Count)
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return errors.New("mqtt: topic is required with a broker")
	}
	return nil
}

// sensorOpts converts the sensor section to driver options.
func (c *Config) sensorOpts() *sf05.Opts {
	return &sf05.Opts{
		Address:       c.Sensor.Address,
		RetryInterval: time.Duration(c.Sensor.RetryIntervalMs) * time.Millisecond,
		FlowRetries:   c.Sensor.Retries,
		Offset:        c.Sensor.Offset,
		Scale:         c.Sensor.Scale,
	}
}

// flags holds the command line overrides.
type flags struct {
	config   string
	scl      string
	sda      string
	speed    int64
	sim      bool
	offset   float64
	scale    float64
	reset    bool
	interval time.Duration
	count    int
	mqtt     string
	topic    string
	metrics  string
}

func (f *flags) register(fs *flag.FlagSet) {
	d := defaultConfig()
	fs.StringVar(&f.config, "config", "", "YAML configuration file")
	fs.StringVar(&f.scl, "scl", d.Bus.SCL, "GPIO used as SCL")
	fs.StringVar(&f.sda, "sda", d.Bus.SDA, "GPIO used as SDA")
	fs.Int64Var(&f.speed, "speed", 0, "bus clock in Hz; 0 keeps the default timing")
	fs.BoolVar(&f.sim, "sim", false, "use a simulated sensor instead of GPIOs")
	fs.Float64Var(&f.offset, "offset", d.Sensor.Offset, "flow offset")
	fs.Float64Var(&f.scale, "scale", d.Sensor.Scale, "flow scale factor")
	fs.BoolVar(&f.reset, "reset", false, "soft reset the sensor before polling")
	fs.DurationVar(&f.interval, "interval", time.Duration(d.Poll.IntervalMs)*time.Millisecond, "polling interval")
	fs.IntVar(&f.count, "n", 0, "number of readings; 0 polls until interrupted")
	fs.StringVar(&f.mqtt, "mqtt", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	fs.StringVar(&f.topic, "topic", d.MQTT.Topic, "MQTT topic")
	fs.StringVar(&f.metrics, "metrics", "", "address of the Prometheus endpoint, e.g. :9105")
}

// apply overrides cfg with the flags explicitly set in fs.
func (f *flags) apply(fs *flag.FlagSet, cfg *Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "scl":
			cfg.Bus.SCL = f.scl
		case "sda":
			cfg.Bus.SDA = f.sda
		case "speed":
			cfg.Bus.SpeedHz = f.speed
		case "sim":
			cfg.Bus.Simulate = f.sim
		case "offset":
			cfg.Sensor.Offset = f.offset
		case "scale":
			cfg.Sensor.Scale = f.scale
		case "reset":
			cfg.Sensor.Reset = f.reset
		case "interval":
			cfg.Poll.IntervalMs = int((f.interval + time.Millisecond - 1) / time.Millisecond)
		case "n":
			cfg.Poll.Count = f.count
		case "mqtt":
			cfg.MQTT.Broker = f.mqtt
		case "topic":
			cfg.MQTT.Topic = f.topic
		case "metrics":
			cfg.Metrics.Listen = f.metrics
		}
	})
}
