// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bitbang implements a software timed I²C master on two general
// purpose open-drain lines.
//
// The lines are never driven high. A line is either pulled low with
// Out(gpio.Low) or released with In(), leaving the external pull-up resistor
// to provide the high level.
//
//	       _____                          _____
//	SDA:        |_____          SDA: _____|
//	       _______                        _______
//	SCL:          |___          SCL: ___|
//
//	       start                          stop
//
// The byte level primitives Start, Stop, Transmit and Receive are exposed for
// protocols that need to observe every acknowledge. The type also implements
// i2c.Bus so it can be handed to any periph device driver.
//
// Clock stretching, arbitration and multi-master operation are not supported.
package bitbang
