// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sf05test simulates an SF05 based flow sensor on a bitbangtest.Bus.
package sf05test

import (
	"sync"

	"github.com/GermanBionicSystems/flowbus/bitbang/bitbangtest"
	"github.com/GermanBionicSystems/flowbus/common"
)

// Address is the address the simulated sensor answers to.
const Address uint16 = 64

const (
	cmdFlowMeasurement uint16 = 0x1000
	cmdReadSerialHigh  uint16 = 0x31ae
	cmdReadSerialLow   uint16 = 0x31af
	cmdSoftReset       uint16 = 0x2000
)

// Sensor is a simulated sensor. The exported fields may be changed between
// transactions.
type Sensor struct {
	// Flow is the raw result of a flow measurement.
	Flow uint16
	// Serial is the factory serial number.
	Serial uint32
	// NotReady is the number of upcoming reads refused as if a measurement
	// was still converting.
	NotReady int
	// Busy refuses every read.
	Busy bool
	// CorruptCRC flips a data bit after the checksum was computed.
	CorruptCRC bool
	// Absent never acknowledges anything.
	Absent bool

	mu           sync.Mutex
	read         bool
	rx           []byte
	tx           []byte
	selected     bool
	cmd          uint16
	commands     []uint16
	readAttempts int
	resets       int
}

// NewBus returns a simulated bus with s attached at Address.
func NewBus(s *Sensor) *bitbangtest.Bus {
	return bitbangtest.NewBus(Address, s)
}

// Start implements bitbangtest.Target.
func (s *Sensor) Start(read bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Absent {
		return false
	}
	s.read = read
	s.rx = s.rx[:0]
	s.tx = s.tx[:0]
	if !read {
		return true
	}
	s.readAttempts++
	if s.Busy || !s.selected {
		return false
	}
	if s.NotReady > 0 {
		s.NotReady--
		return false
	}
	var v uint16
	switch s.cmd {
	case cmdFlowMeasurement:
		v = s.Flow
	case cmdReadSerialHigh:
		v = uint16(s.Serial >> 16)
	case cmdReadSerialLow:
		v = uint16(s.Serial)
	default:
		return false
	}
	data := []byte{byte(v >> 8), byte(v)}
	crc := common.CRC8(common.SeedSF05, data)
	if s.CorruptCRC {
		data[1] ^= 0x01
	}
	s.tx = append(s.tx, data[0], data[1], crc)
	return true
}

// Write implements bitbangtest.Target. A command is two bytes; anything
// beyond is not acknowledged.
func (s *Sensor) Write(b byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.read || len(s.rx) >= 2 {
		return false
	}
	s.rx = append(s.rx, b)
	return true
}

// Read implements bitbangtest.Target. The bus floats high once the result is
// exhausted.
func (s *Sensor) Read() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tx) == 0 {
		return 0xff
	}
	b := s.tx[0]
	s.tx = s.tx[1:]
	return b
}

// Stop implements bitbangtest.Target. A complete command selects what the
// following reads return.
func (s *Sensor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.read || len(s.rx) != 2 {
		return
	}
	cmd := uint16(s.rx[0])<<8 | uint16(s.rx[1])
	s.rx = s.rx[:0]
	s.commands = append(s.commands, cmd)
	switch cmd {
	case cmdSoftReset:
		s.resets++
		s.selected = false
		s.cmd = 0
	case cmdFlowMeasurement, cmdReadSerialHigh, cmdReadSerialLow:
		s.selected = true
		s.cmd = cmd
	default:
		s.selected = false
	}
}

// Commands returns the commands received so far, in order.
func (s *Sensor) Commands() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.commands...)
}

// ReadAttempts returns the number of addressed reads, refused ones included.
func (s *Sensor) ReadAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAttempts
}

// Resets returns the number of soft resets received.
func (s *Sensor) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Selected returns the command the next read answers, if any.
func (s *Sensor) Selected() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd, s.selected
}

var _ bitbangtest.Target = &Sensor{}
