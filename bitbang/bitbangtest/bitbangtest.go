// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bitbangtest simulates an open-drain two-wire bus at the line level.
//
// Bus exposes two gpio.PinIO lines that a bit banged master drives. The bus
// decodes start and stop conditions, clocked bits and acknowledge slots from
// the line changes and forwards them to a Target, which answers by pulling
// SDA low like a real peripheral would.
package bitbangtest

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// Target is a simulated peripheral.
type Target interface {
	// Start is called once the address byte matched. The return value is
	// the acknowledge.
	Start(read bool) bool
	// Write receives a byte from the master. The return value is the
	// acknowledge.
	Write(b byte) bool
	// Read returns the next byte to send to the master.
	Read() byte
	// Stop ends an addressed segment, either with a stop condition or a
	// repeated start.
	Stop()
}

// Op is a line operation done by the master.
type Op struct {
	Line string
	// Level is gpio.Low when the line was driven low and gpio.High when it
	// was released.
	Level gpio.Level
}

func (o Op) String() string {
	if o.Level == gpio.Low {
		return o.Line + "↓"
	}
	return o.Line + "↑"
}

// Names of the simulated lines.
const (
	SCLName = "SCL"
	SDAName = "SDA"
)

const (
	scl = iota
	sda
)

type phase int

const (
	phaseIdle phase = iota
	// receiving the address byte
	phaseAddr
	// receiving a data byte from the master
	phaseRecv
	// target holds SDA low for the acknowledge clock
	phaseAckOut
	// target shifts a byte out
	phaseSend
	// master drives the acknowledge clock
	phaseAckIn
	// not addressed or not acknowledged; wait for start or stop
	phaseIgnore
)

// Bus is a simulated two-wire bus with a single target.
type Bus struct {
	// Addr is the 7-bit address Target answers to.
	Addr uint16
	// Target receives the decoded traffic. It may be nil to simulate an
	// empty bus.
	Target Target

	mu        sync.Mutex
	lines     [2]Line
	masterLow [2]bool
	targetLow bool
	trace     []Op
	starts    int
	stops     int
	high      int

	phase     phase
	bits      int
	shift     byte
	read      bool
	engaged   bool
	out       byte
	masterAck bool
}

// NewBus returns an idle bus with t answering at addr.
func NewBus(addr uint16, t Target) *Bus {
	b := &Bus{Addr: addr, Target: t}
	b.lines[scl] = Line{Pin: gpiotest.Pin{N: SCLName, Num: scl, L: gpio.High}, bus: b, id: scl}
	b.lines[sda] = Line{Pin: gpiotest.Pin{N: SDAName, Num: sda, L: gpio.High}, bus: b, id: sda}
	return b
}

// SCL returns the clock line.
func (b *Bus) SCL() *Line {
	return &b.lines[scl]
}

// SDA returns the data line.
func (b *Bus) SDA() *Line {
	return &b.lines[sda]
}

// Trace returns a copy of the master operations recorded so far.
func (b *Bus) Trace() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Op(nil), b.trace...)
}

// ResetTrace clears the recorded operations and counters.
func (b *Bus) ResetTrace() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace = nil
	b.starts = 0
	b.stops = 0
	b.high = 0
}

// Starts returns the number of start conditions seen, repeated starts
// included.
func (b *Bus) Starts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

// Stops returns the number of stop conditions seen.
func (b *Bus) Stops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

// DrivenHigh returns how many times the master called Out(gpio.High). An
// open-drain master never should.
func (b *Bus) DrivenHigh() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.high
}

// Idle reports whether both lines are high.
func (b *Bus) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level(scl) == gpio.High && b.level(sda) == gpio.High
}

func (b *Bus) level(id int) gpio.Level {
	if b.masterLow[id] {
		return gpio.Low
	}
	if id == sda && b.targetLow {
		return gpio.Low
	}
	return gpio.High
}

// drive applies a master operation and feeds the resulting edges to the
// decoder.
func (b *Bus) drive(id int, low bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lvl := gpio.High
	if low {
		lvl = gpio.Low
	}
	b.trace = append(b.trace, Op{Line: b.lines[id].N, Level: lvl})

	sclBefore, sdaBefore := b.level(scl), b.level(sda)
	b.masterLow[id] = low
	sclAfter, sdaAfter := b.level(scl), b.level(sda)

	switch {
	case sclBefore == gpio.Low && sclAfter == gpio.High:
		b.clockRise(sdaAfter)
	case sclBefore == gpio.High && sclAfter == gpio.Low:
		b.clockFall()
	case sclAfter == gpio.High && sdaBefore == gpio.High && sdaAfter == gpio.Low:
		b.start()
	case sclAfter == gpio.High && sdaBefore == gpio.Low && sdaAfter == gpio.High:
		b.stop()
	}
	b.lines[scl].L = b.level(scl)
	b.lines[sda].L = b.level(sda)
}

func (b *Bus) start() {
	b.starts++
	b.endSegment()
	b.phase = phaseAddr
	b.bits = 0
	b.shift = 0
}

func (b *Bus) stop() {
	b.stops++
	b.endSegment()
	b.phase = phaseIdle
}

func (b *Bus) endSegment() {
	if b.engaged {
		b.Target.Stop()
	}
	b.engaged = false
	b.targetLow = false
}

func (b *Bus) clockRise(data gpio.Level) {
	switch b.phase {
	case phaseAddr, phaseRecv:
		if b.bits < 8 {
			b.shift <<= 1
			if data == gpio.High {
				b.shift |= 1
			}
			b.bits++
		}
	case phaseAckIn:
		b.masterAck = data == gpio.Low
	}
}

func (b *Bus) clockFall() {
	switch b.phase {
	case phaseAddr:
		if b.bits < 8 {
			return
		}
		b.read = b.shift&1 == 1
		if uint16(b.shift>>1) == b.Addr && b.Target != nil && b.Target.Start(b.read) {
			b.engaged = true
			b.targetLow = true
			b.phase = phaseAckOut
			return
		}
		b.phase = phaseIgnore
	case phaseRecv:
		if b.bits < 8 {
			return
		}
		if b.Target.Write(b.shift) {
			b.targetLow = true
			b.phase = phaseAckOut
			return
		}
		b.phase = phaseIgnore
	case phaseAckOut:
		b.targetLow = false
		if b.read {
			b.load()
			return
		}
		b.bits = 0
		b.shift = 0
		b.phase = phaseRecv
	case phaseSend:
		b.bits++
		if b.bits < 8 {
			b.targetLow = b.out&(0x80>>b.bits) == 0
			return
		}
		b.targetLow = false
		b.masterAck = false
		b.phase = phaseAckIn
	case phaseAckIn:
		if b.masterAck {
			b.load()
			return
		}
		b.phase = phaseIgnore
	}
}

// load fetches the next byte from the target and presents its MSB.
func (b *Bus) load() {
	b.out = b.Target.Read()
	b.bits = 0
	b.targetLow = b.out&0x80 == 0
	b.phase = phaseSend
}

// Line is a simulated open-drain line. Out(gpio.Low) pulls it low and In()
// releases it; the level read back is the wired-AND of the master and the
// target.
type Line struct {
	gpiotest.Pin

	bus *Bus
	id  int
}

// Out implements gpio.PinOut. Driving the line high is recorded as a fault
// and treated as a release.
func (l *Line) Out(level gpio.Level) error {
	if level == gpio.High {
		l.bus.mu.Lock()
		l.bus.high++
		l.bus.mu.Unlock()
	}
	l.bus.drive(l.id, level == gpio.Low)
	return nil
}

// In implements gpio.PinIn. It releases the line; the pull is ignored since
// the simulated bus always has its pull-up resistors.
func (l *Line) In(pull gpio.Pull, edge gpio.Edge) error {
	if edge != gpio.NoEdge {
		return errors.New("bitbangtest: edge detection is not supported")
	}
	l.bus.drive(l.id, false)
	return nil
}

// Read implements gpio.PinIn.
func (l *Line) Read() gpio.Level {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	return l.bus.level(l.id)
}

func (l *Line) String() string {
	return fmt.Sprintf("bitbangtest.%s", l.N)
}

var _ gpio.PinIO = &Line{}
