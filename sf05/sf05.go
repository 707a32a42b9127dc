// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sf05

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GermanBionicSystems/flowbus/bitbang"
	"github.com/GermanBionicSystems/flowbus/common"
	"periph.io/x/conn/v3"
)

// Command is a 16-bit sensor command.
type Command uint16

const (
	CmdFlowMeasurement Command = 0x1000
	// Serial number bits 31:16
	CmdReadSerialHigh Command = 0x31ae
	// Serial number bits 15:0
	CmdReadSerialLow Command = 0x31af
	CmdSoftReset     Command = 0x2000
)

func (c Command) String() string {
	switch c {
	case CmdFlowMeasurement:
		return "flow measurement"
	case CmdReadSerialHigh:
		return "read serial number high"
	case CmdReadSerialLow:
		return "read serial number low"
	case CmdSoftReset:
		return "soft reset"
	}
	return fmt.Sprintf("Command(0x%04x)", uint16(c))
}

const (
	// Address is the default 7-bit sensor address.
	Address uint16 = 64

	// Polynomial of the result checksum, P(x) = x^8 + x^5 + x^4 + 1.
	Polynomial = common.Polynomial

	// Offset and scale factor of the SFM3000 mass flow meter. The flow is in
	// standard litres per minute.
	SFM3000Offset = 32000.0
	SFM3000Scale  = 140.0

	headerWrite byte = 0x00
	headerRead  byte = 0x01

	defaultFlowRetries   = 20
	defaultRetryInterval = 10 * time.Millisecond
	channelSize          = 16
)

var (
	// ErrNoAck is returned when the sensor didn't acknowledge a byte. While a
	// measurement is converting, reads are not acknowledged either.
	ErrNoAck = bitbang.ErrNoAck
	// ErrChecksum is returned when a result doesn't match its CRC-8.
	ErrChecksum = errors.New("sf05: checksum mismatch")
)

// Bus is the byte level two-wire master the sensor is attached to.
// bitbang.I2C implements it.
type Bus interface {
	// Init leaves the bus idle.
	Init() error
	Start() error
	Stop() error
	// Transmit sends a byte and returns ErrNoAck if it wasn't acknowledged.
	Transmit(b byte) error
	// Receive reads a byte, acknowledging it when ack is true.
	Receive(ack bool) (byte, error)
}

// Opts holds the configuration options for the device.
type Opts struct {
	// Address is the 7-bit bus address. 0 selects Address.
	Address uint16
	// RetryInterval is the wait between two attempts at reading a result.
	// 0 selects 10ms.
	RetryInterval time.Duration
	// FlowRetries is the number of read attempts for one flow value. 0
	// selects 20.
	FlowRetries int
	// Offset and Scale convert a raw result to a flow with
	// flow = (raw - Offset) / Scale. They are used by Flow and
	// SenseContinuous. A Scale of 0 selects SFM3000Scale, and also
	// SFM3000Offset when Offset is 0 too.
	Offset float64
	Scale  float64
}

// DefaultOpts holds the default configuration options for an SFM3000.
var DefaultOpts = Opts{
	Address:       Address,
	RetryInterval: defaultRetryInterval,
	FlowRetries:   defaultFlowRetries,
	Offset:        SFM3000Offset,
	Scale:         SFM3000Scale,
}

// Reading is a flow value produced by SenseContinuous.
type Reading struct {
	Time time.Time
	Raw  uint16
	Flow float64
	// Err is set when the read failed; Raw and Flow are then zero.
	Err error
}

// Dev is a session with one SF05 based sensor.
//
// Dev is not safe for concurrent use. It remembers the last command written
// to the sensor, so a session must stay with a single owner.
type Dev struct {
	bus   Bus
	opts  Opts
	sleep func(time.Duration)

	// last command acknowledged by the sensor
	cmd      Command
	cmdValid bool

	mu       sync.Mutex
	shutdown chan struct{}
	done     chan struct{}
}

// New returns a session with the sensor attached to bus. If opts is nil,
// DefaultOpts is used.
func New(bus Bus, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.Address == 0 {
		o.Address = Address
	}
	if o.Address > 0x7f {
		return nil, fmt.Errorf("sf05: invalid 7-bit address 0x%x", o.Address)
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = defaultRetryInterval
	}
	if o.FlowRetries == 0 {
		o.FlowRetries = defaultFlowRetries
	}
	if o.Scale == 0 {
		o.Scale = SFM3000Scale
		if o.Offset == 0 {
			o.Offset = SFM3000Offset
		}
	}
	d := &Dev{bus: bus, opts: o, sleep: time.Sleep}
	return d, d.Init()
}

// Init puts the bus in its idle state.
func (d *Dev) Init() error {
	if err := d.bus.Init(); err != nil {
		return fmt.Errorf("sf05: init: %w", err)
	}
	return nil
}

// or keeps the first failure. The failures of a multi byte exchange collapse
// into one, without telling which byte failed.
func or(err, next error) error {
	if err != nil {
		return err
	}
	return next
}

func (d *Dev) header(rw byte) byte {
	return byte(d.opts.Address)<<1 | rw
}

// WriteCommand writes cmd to the sensor. The address and both command bytes
// are always sent; if any of them isn't acknowledged, ErrNoAck is returned.
//
// The command is remembered only once the sensor acknowledged all of it.
func (d *Dev) WriteCommand(cmd Command) error {
	err := d.bus.Start()
	if err == nil {
		err = d.bus.Transmit(d.header(headerWrite))
		err = or(err, d.bus.Transmit(byte(cmd>>8)))
		err = or(err, d.bus.Transmit(byte(cmd&0xff)))
	}
	err = or(err, d.bus.Stop())
	if err != nil {
		return fmt.Errorf("sf05: cmd %s: %w", cmd, err)
	}
	d.cmd = cmd
	d.cmdValid = true
	return nil
}

// ReadCommandResult reads the 16-bit result of the last command and checks
// its CRC.
//
// A read that wasn't acknowledged returns ErrNoAck, even if the bytes clocked
// in afterwards also fail the CRC check.
func (d *Dev) ReadCommandResult() (uint16, error) {
	var data [2]byte
	var checksum byte
	err := d.bus.Start()
	if err == nil {
		var rerr error
		err = d.bus.Transmit(d.header(headerRead))
		data[0], rerr = d.bus.Receive(true)
		err = or(err, rerr)
		data[1], rerr = d.bus.Receive(true)
		err = or(err, rerr)
		checksum, rerr = d.bus.Receive(false)
		err = or(err, rerr)
	}
	err = or(err, d.bus.Stop())
	err = or(err, CheckCrc(data[:], checksum))
	if err != nil {
		return 0, fmt.Errorf("sf05: read result: %w", err)
	}
	return uint16(data[0])<<8 | uint16(data[1]), nil
}

// ReadCommandResultWithTimeout makes up to maxRetries attempts at reading the
// result, waiting Opts.RetryInterval between them. It returns as soon as one
// succeeds, otherwise the error of the last attempt. No wait follows the
// last attempt.
//
// A fresh measurement takes a full conversion cycle. Until it is done the
// sensor doesn't acknowledge reads, which is why they are retried.
func (d *Dev) ReadCommandResultWithTimeout(maxRetries int) (uint16, error) {
	if maxRetries <= 0 {
		return 0, fmt.Errorf("sf05: read result: no attempt allowed: %w", ErrNoAck)
	}
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			d.sleep(d.opts.RetryInterval)
		}
		var v uint16
		if v, err = d.ReadCommandResult(); err == nil {
			return v, nil
		}
	}
	return 0, err
}

// GetFlow returns the flow computed as (raw - offset) / scale. The flow
// measurement command is only written when it isn't already the current
// command.
func (d *Dev) GetFlow(offset, scale float64) (float64, error) {
	_, flow, err := d.flow(offset, scale)
	return flow, err
}

// Flow returns the flow converted with Opts.Offset and Opts.Scale.
func (d *Dev) Flow() (float64, error) {
	return d.GetFlow(d.opts.Offset, d.opts.Scale)
}

func (d *Dev) flow(offset, scale float64) (uint16, float64, error) {
	if !d.cmdValid || d.cmd != CmdFlowMeasurement {
		if err := d.WriteCommand(CmdFlowMeasurement); err != nil {
			return 0, 0, err
		}
	}
	raw, err := d.ReadCommandResultWithTimeout(d.opts.FlowRetries)
	if err != nil {
		return 0, 0, err
	}
	return raw, (float64(raw) - offset) / scale, nil
}

// GetSerialNumber returns the 32-bit serial number set at the factory. It is
// read in two halves, bits 31:16 first.
func (d *Dev) GetSerialNumber() (uint32, error) {
	if err := d.WriteCommand(CmdReadSerialHigh); err != nil {
		return 0, err
	}
	hi, err := d.ReadCommandResult()
	if err != nil {
		return 0, err
	}
	if err := d.WriteCommand(CmdReadSerialLow); err != nil {
		return 0, err
	}
	lo, err := d.ReadCommandResult()
	if err != nil {
		return 0, err
	}
	return uint32(hi)<<16 | uint32(lo), nil
}

// SoftReset restarts the sensor without a power cycle.
func (d *Dev) SoftReset() error {
	return d.WriteCommand(CmdSoftReset)
}

// LastCommand returns the last command the sensor acknowledged. ok is false
// when no command was written yet in this session.
func (d *Dev) LastCommand() (cmd Command, ok bool) {
	return d.cmd, d.cmdValid
}

// CheckCrc returns ErrChecksum when the CRC-8 of data doesn't match checksum.
func CheckCrc(data []byte, checksum byte) error {
	if common.CRC8(common.SeedSF05, data) != checksum {
		return ErrChecksum
	}
	return nil
}

// SenseContinuous reads the flow every interval and sends it to the returned
// channel, failed reads included. Readings are dropped while the channel is
// full. To terminate, call Dev.Halt().
//
// Until Halt returns, the sensing goroutine owns the bus and the session; do
// not call other methods in the meantime.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan Reading, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sf05: invalid sample interval %s", interval)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		return nil, errors.New("sf05: SenseContinuous already running")
	}
	d.shutdown = make(chan struct{})
	d.done = make(chan struct{})
	ch := make(chan Reading, channelSize)
	go d.sense(interval, ch, d.shutdown, d.done)
	return ch, nil
}

func (d *Dev) sense(interval time.Duration, ch chan<- Reading, shutdown <-chan struct{}, done chan<- struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(done)
	defer close(ch)
	for {
		select {
		case <-shutdown:
			return
		case t := <-ticker.C:
			r := Reading{Time: t}
			r.Raw, r.Flow, r.Err = d.flow(d.opts.Offset, d.opts.Scale)
			if len(ch) < channelSize {
				ch <- r
			}
		}
	}
}

// Halt stops SenseContinuous if running and forgets the current command, so
// the next flow read re-arms the measurement. Implements conn.Resource.
func (d *Dev) Halt() error {
	d.mu.Lock()
	shutdown, done := d.shutdown, d.done
	d.shutdown, d.done = nil, nil
	d.mu.Unlock()
	if shutdown != nil {
		close(shutdown)
		<-done
	}
	d.cmdValid = false
	return nil
}

func (d *Dev) String() string {
	if s, ok := d.bus.(fmt.Stringer); ok {
		return fmt.Sprintf("sf05(%s)", s)
	}
	return "sf05"
}

var _ conn.Resource = &Dev{}
var _ Bus = &bitbang.I2C{}
