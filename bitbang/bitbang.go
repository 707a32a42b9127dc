// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bitbang

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3/cpu"
)

// ErrNoAck is returned when the receiver left SDA high during the
// acknowledge clock.
var ErrNoAck = errors.New("bitbang: no acknowledge")

const maxSpeed = 400 * physic.KiloHertz

// Timing holds the delays of the waveform. Every value is a lower bound, the
// bus is never faster than this.
type Timing struct {
	// Edge separates line changes while framing a start or stop condition.
	Edge time.Duration
	// StartHold is t_HD;STA, SDA low before SCL falls in a start condition.
	StartHold time.Duration
	// StopSetup is t_SU;STO, SCL high before SDA rises in a stop condition.
	StopSetup time.Duration
	// Settle follows a start or stop condition.
	Settle time.Duration
	// DataSetup is t_SU;DAT, SDA stable before SCL rises.
	DataSetup time.Duration
	// DataHold is t_HD;DAT, SDA stable after SCL falls.
	DataHold time.Duration
	// WriteHigh is t_HIGH while transmitting and during the acknowledge
	// clock of a received byte.
	WriteHigh time.Duration
	// ReadHigh is t_HIGH while receiving; SDA is sampled after it.
	ReadHigh time.Duration
	// ByteGap follows every byte.
	ByteGap time.Duration
}

// DefaultTiming is tuned for a ~100kHz standard mode device on a slow
// microcontroller style host.
var DefaultTiming = Timing{
	Edge:      1 * time.Microsecond,
	StartHold: 10 * time.Microsecond,
	StopSetup: 10 * time.Microsecond,
	Settle:    10 * time.Microsecond,
	DataSetup: 1 * time.Microsecond,
	DataHold:  1 * time.Microsecond,
	WriteHigh: 5 * time.Microsecond,
	ReadHigh:  3 * time.Microsecond,
	ByteGap:   20 * time.Microsecond,
}

// Opts holds the configuration options for the bus.
type Opts struct {
	// Timing of the waveform. The zero value selects DefaultTiming.
	Timing Timing
	// Pull is applied to a line when it is released. Use gpio.Float when the
	// board only relies on external resistors.
	Pull gpio.Pull
	// Delay blocks for at least the duration passed. Nil selects a busy spin
	// for short waits and time.Sleep for longer ones.
	Delay func(time.Duration)
}

// DefaultOpts holds the default configuration options for the bus.
var DefaultOpts = Opts{
	Timing: DefaultTiming,
	Pull:   gpio.PullUp,
}

// I2C is a bit banged I²C master.
//
// The byte level primitives are not safe for concurrent use. Only Tx is
// serialized. SetSpeed may be called at any time; a primitive already running
// finishes with the timing it started with.
type I2C struct {
	scl   gpio.PinIO
	sda   gpio.PinIO
	pull  gpio.Pull
	t     atomic.Pointer[Timing]
	delay func(time.Duration)

	mu sync.Mutex
}

// New returns a bus master using scl and sda as open-drain lines and releases
// both of them. If opts is nil, DefaultOpts is used.
func New(scl, sda gpio.PinIO, opts *Opts) (*I2C, error) {
	if scl == nil || sda == nil {
		return nil, errors.New("bitbang: both SCL and SDA are required")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	b := &I2C{scl: scl, sda: sda, pull: opts.Pull, delay: opts.Delay}
	t := opts.Timing
	if t == (Timing{}) {
		t = DefaultTiming
	}
	b.t.Store(&t)
	if b.delay == nil {
		b.delay = spin
	}
	return b, b.Init()
}

// spin waits for at least d.
func spin(d time.Duration) {
	if d <= 0 {
		return
	}
	if d < time.Millisecond {
		cpu.Nanospin(d)
		return
	}
	time.Sleep(d)
}

// Init configures both lines as open-drain and releases them, leaving the bus
// idle.
func (b *I2C) Init() error {
	s := b.seq()
	s.release(b.sda)
	s.release(b.scl)
	return s.err
}

// Start generates a start condition: SDA falls while SCL is high. It also
// serves as a repeated start when SCL is low.
func (b *I2C) Start() error {
	t := b.t.Load()
	s := b.seq()
	s.release(b.sda)
	s.wait(t.Edge)
	s.release(b.scl)
	s.wait(t.Edge)
	s.low(b.sda)
	s.wait(t.StartHold)
	s.low(b.scl)
	s.wait(t.Settle)
	return s.err
}

// Stop generates a stop condition: SDA rises while SCL is high.
func (b *I2C) Stop() error {
	t := b.t.Load()
	s := b.seq()
	s.low(b.scl)
	s.wait(t.Edge)
	s.low(b.sda)
	s.wait(t.Edge)
	s.release(b.scl)
	s.wait(t.StopSetup)
	s.release(b.sda)
	s.wait(t.Settle)
	return s.err
}

// Transmit shifts v out MSB first and checks the acknowledge bit. It returns
// ErrNoAck when the receiver didn't pull SDA low.
func (b *I2C) Transmit(v byte) error {
	t := b.t.Load()
	s := b.seq()
	for mask := byte(0x80); mask > 0; mask >>= 1 {
		if v&mask == 0 {
			s.low(b.sda)
		} else {
			s.release(b.sda)
		}
		s.wait(t.DataSetup)
		s.release(b.scl)
		s.wait(t.WriteHigh)
		s.low(b.scl)
		s.wait(t.DataHold)
	}
	s.release(b.sda)
	s.release(b.scl)
	s.wait(t.DataSetup)
	nack := s.read(b.sda)
	s.low(b.scl)
	s.wait(t.ByteGap)
	if s.err != nil {
		return s.err
	}
	if nack {
		return ErrNoAck
	}
	return nil
}

// Receive shifts a byte in MSB first. If ack is true, SDA is pulled low during
// the ninth clock to ask the transmitter for more data, otherwise it is left
// high to end the read.
func (b *I2C) Receive(ack bool) (byte, error) {
	var v byte
	t := b.t.Load()
	s := b.seq()
	s.release(b.sda)
	for mask := byte(0x80); mask > 0; mask >>= 1 {
		s.release(b.scl)
		s.wait(t.ReadHigh)
		if s.read(b.sda) {
			v |= mask
		}
		s.low(b.scl)
		s.wait(t.DataHold)
	}
	if ack {
		s.low(b.sda)
	} else {
		s.release(b.sda)
	}
	s.wait(t.DataSetup)
	s.release(b.scl)
	s.wait(t.WriteHigh)
	s.low(b.scl)
	s.release(b.sda)
	s.wait(t.ByteGap)
	return v, s.err
}

// Tx does a complete transaction with the device at the 7-bit address addr.
// It implements i2c.Bus.
//
// w is written first, then r is read after a repeated start. The last byte
// read is not acknowledged. A transaction that fails still ends with a stop
// condition.
func (b *I2C) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7f {
		return fmt.Errorf("bitbang: invalid 7-bit address 0x%x", addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.tx(byte(addr), w, r)
	if serr := b.Stop(); err == nil {
		err = serr
	}
	return err
}

func (b *I2C) tx(addr byte, w, r []byte) error {
	if len(w) != 0 || len(r) == 0 {
		if err := b.Start(); err != nil {
			return err
		}
		if err := b.Transmit(addr << 1); err != nil {
			return fmt.Errorf("bitbang: address 0x%02x: %w", addr, err)
		}
		for ix, v := range w {
			if err := b.Transmit(v); err != nil {
				return fmt.Errorf("bitbang: write byte %d to 0x%02x: %w", ix, addr, err)
			}
		}
	}
	if len(r) == 0 {
		return nil
	}
	if err := b.Start(); err != nil {
		return err
	}
	if err := b.Transmit(addr<<1 | 1); err != nil {
		return fmt.Errorf("bitbang: address 0x%02x: %w", addr, err)
	}
	for ix := range r {
		v, err := b.Receive(ix < len(r)-1)
		if err != nil {
			return err
		}
		r[ix] = v
	}
	return nil
}

// SetSpeed derives the clock high and hold times from f. It implements
// i2c.Bus. Only standard and fast mode are accepted.
func (b *I2C) SetSpeed(f physic.Frequency) error {
	if f <= 0 || f > maxSpeed {
		return fmt.Errorf("bitbang: invalid speed %s; maximum supported clock is %s", f, maxSpeed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := *b.t.Load()
	half := f.Period() / 2
	t.WriteHigh = half
	t.ReadHigh = half
	t.DataHold = half - t.DataSetup
	if t.DataHold < 0 {
		t.DataHold = 0
	}
	b.t.Store(&t)
	return nil
}

// Timing returns the waveform timing currently in use.
func (b *I2C) Timing() Timing {
	return *b.t.Load()
}

// SCL returns the clock line. It implements i2c.Pins.
func (b *I2C) SCL() gpio.PinIO {
	return b.scl
}

// SDA returns the data line. It implements i2c.Pins.
func (b *I2C) SDA() gpio.PinIO {
	return b.sda
}

// Halt releases both lines. It implements conn.Resource.
func (b *I2C) Halt() error {
	return b.Init()
}

// Close releases both lines. The pins are not closed, they belong to the
// caller.
func (b *I2C) Close() error {
	return b.Halt()
}

func (b *I2C) String() string {
	return fmt.Sprintf("bitbang(%s, %s)", b.scl, b.sda)
}

// sequence runs line operations until the first pin failure. Every later
// operation is skipped and the failure is kept in err.
type sequence struct {
	b   *I2C
	err error
}

func (b *I2C) seq() *sequence {
	return &sequence{b: b}
}

func (s *sequence) low(p gpio.PinIO) {
	if s.err != nil {
		return
	}
	if err := p.Out(gpio.Low); err != nil {
		s.err = fmt.Errorf("bitbang: %s: %w", p, err)
	}
}

func (s *sequence) release(p gpio.PinIO) {
	if s.err != nil {
		return
	}
	if err := p.In(s.b.pull, gpio.NoEdge); err != nil {
		s.err = fmt.Errorf("bitbang: %s: %w", p, err)
	}
}

// read returns true when the line is high.
func (s *sequence) read(p gpio.PinIO) bool {
	if s.err != nil {
		return false
	}
	return p.Read() == gpio.High
}

func (s *sequence) wait(d time.Duration) {
	if s.err == nil {
		s.b.delay(d)
	}
}

var _ i2c.BusCloser = &I2C{}
var _ i2c.Pins = &I2C{}
var _ conn.Resource = &I2C{}
