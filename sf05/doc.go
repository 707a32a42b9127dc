// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sf05 provides a driver for flow and differential pressure sensors
// built on the Sensirion SF05 sensor chip, for example the SFM3000 mass flow
// meter.
//
// The sensor answers at a fixed 7-bit address. Every exchange is a 16-bit
// command written MSB first, optionally followed by a read of a 16-bit result
// and its CRC-8. Results only become valid once a measurement cycle has
// completed; until then the sensor does not acknowledge reads, so flow reads
// are retried.
//
// The driver talks to the byte level primitives of a two-wire master, such as
// bitbang.I2C, because the sensor reports errors per acknowledge.
//
// Refer to the SF05 and SFM3000 datasheets for the offset and scale factor of
// a given sensor.
package sf05
