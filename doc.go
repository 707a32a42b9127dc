// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package flowbus drives SF05 based flow sensors over a bit banged two-wire
// bus.
//
// bitbang implements the bus master on two open-drain GPIOs, sf05 the sensor
// protocol on top of it, and cmd/sf05 a polling tool that logs the flow and
// exports it over MQTT and Prometheus.
package flowbus
