// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bitbang

import (
	"errors"
	"testing"
	"time"

	"github.com/GermanBionicSystems/flowbus/bitbang/bitbangtest"
	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
)

const testAddr = 0x40

// target records what it receives and answers reads from a fixed buffer.
type target struct {
	segments [][]byte
	reads    []bool
	cur      []byte
	out      []byte
	// maxWrite is the number of bytes acknowledged per segment. 0 means no
	// limit.
	maxWrite int
}

func (t *target) Start(read bool) bool {
	t.reads = append(t.reads, read)
	t.cur = []byte{}
	return true
}

func (t *target) Write(b byte) bool {
	if t.maxWrite > 0 && len(t.cur) >= t.maxWrite {
		return false
	}
	t.cur = append(t.cur, b)
	return true
}

func (t *target) Read() byte {
	if len(t.out) == 0 {
		return 0xff
	}
	b := t.out[0]
	t.out = t.out[1:]
	return b
}

func (t *target) Stop() {
	t.segments = append(t.segments, t.cur)
}

func noDelay(time.Duration) {}

func newTestBus(t *testing.T, tgt bitbangtest.Target) (*I2C, *bitbangtest.Bus) {
	sim := bitbangtest.NewBus(testAddr, tgt)
	opts := DefaultOpts
	opts.Delay = noDelay
	b, err := New(sim.SCL(), sim.SDA(), &opts)
	if err != nil {
		t.Fatal(err)
	}
	sim.ResetTrace()
	return b, sim
}

func op(line string, l gpio.Level) bitbangtest.Op {
	return bitbangtest.Op{Line: line, Level: l}
}

func TestStartStopWaveform(t *testing.T) {
	b, sim := newTestBus(t, nil)
	if !sim.Idle() {
		t.Fatal("bus not idle after New()")
	}

	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	want := []bitbangtest.Op{
		op(bitbangtest.SDAName, gpio.High),
		op(bitbangtest.SCLName, gpio.High),
		op(bitbangtest.SDAName, gpio.Low),
		op(bitbangtest.SCLName, gpio.Low),
	}
	if diff := cmp.Diff(want, sim.Trace()); diff != "" {
		t.Errorf("Start() waveform (-want +got):\n%s", diff)
	}
	if sim.Starts() != 1 {
		t.Errorf("expected 1 start condition, got %d", sim.Starts())
	}

	sim.ResetTrace()
	if err := b.Stop(); err != nil {
		t.Fatal(err)
	}
	want = []bitbangtest.Op{
		op(bitbangtest.SCLName, gpio.Low),
		op(bitbangtest.SDAName, gpio.Low),
		op(bitbangtest.SCLName, gpio.High),
		op(bitbangtest.SDAName, gpio.High),
	}
	if diff := cmp.Diff(want, sim.Trace()); diff != "" {
		t.Errorf("Stop() waveform (-want +got):\n%s", diff)
	}
	if sim.Stops() != 1 {
		t.Errorf("expected 1 stop condition, got %d", sim.Stops())
	}
	if !sim.Idle() {
		t.Error("bus not idle after Stop()")
	}
}

func TestTransmitWaveform(t *testing.T) {
	b, sim := newTestBus(t, &target{})
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	sim.ResetTrace()
	v := byte(testAddr << 1)
	if err := b.Transmit(v); err != nil {
		t.Fatal(err)
	}
	var want []bitbangtest.Op
	for bit := 7; bit >= 0; bit-- {
		l := gpio.Low
		if v&(1<<bit) != 0 {
			l = gpio.High
		}
		want = append(want,
			op(bitbangtest.SDAName, l),
			op(bitbangtest.SCLName, gpio.High),
			op(bitbangtest.SCLName, gpio.Low))
	}
	want = append(want,
		op(bitbangtest.SDAName, gpio.High),
		op(bitbangtest.SCLName, gpio.High),
		op(bitbangtest.SCLName, gpio.Low))
	if diff := cmp.Diff(want, sim.Trace()); diff != "" {
		t.Errorf("Transmit() waveform (-want +got):\n%s", diff)
	}
	if sim.DrivenHigh() != 0 {
		t.Errorf("master drove a line high %d times", sim.DrivenHigh())
	}
}

func TestTransmitReceive(t *testing.T) {
	tgt := &target{out: []byte{0xa5, 0x3c, 0x00}}
	b, sim := newTestBus(t, tgt)

	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	for _, v := range []byte{testAddr << 1, 0x31, 0xae} {
		if err := b.Transmit(v); err != nil {
			t.Fatalf("Transmit(0x%02x): %v", v, err)
		}
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Transmit(testAddr<<1 | 1); err != nil {
		t.Fatal(err)
	}
	var got []byte
	for ix, ack := range []bool{true, true, false} {
		v, err := b.Receive(ack)
		if err != nil {
			t.Fatalf("Receive(%d): %v", ix, err)
		}
		got = append(got, v)
	}
	if err := b.Stop(); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]byte{0xa5, 0x3c, 0x00}, got); diff != "" {
		t.Errorf("received bytes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]byte{{0x31, 0xae}, {}}, tgt.segments); diff != "" {
		t.Errorf("target segments (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{false, true}, tgt.reads); diff != "" {
		t.Errorf("target directions (-want +got):\n%s", diff)
	}
	if sim.Starts() != 2 || sim.Stops() != 1 {
		t.Errorf("expected 2 starts and 1 stop, got %d and %d", sim.Starts(), sim.Stops())
	}
	if !sim.Idle() {
		t.Error("bus not idle after transaction")
	}
}

func TestTransmitNoAck(t *testing.T) {
	b, _ := newTestBus(t, nil)
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Transmit(testAddr << 1); !errors.Is(err, ErrNoAck) {
		t.Errorf("expected ErrNoAck on an empty bus, got %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatal(err)
	}

	// A present target ignores other addresses.
	b, _ = newTestBus(t, &target{})
	_ = b.Start()
	if err := b.Transmit((testAddr + 1) << 1); !errors.Is(err, ErrNoAck) {
		t.Errorf("expected ErrNoAck for another address, got %v", err)
	}
	_ = b.Stop()
}

func TestTx(t *testing.T) {
	tgt := &target{out: []byte{0x12, 0x34, 0xb6}}
	b, sim := newTestBus(t, tgt)
	rec := &i2ctest.Record{Bus: b}
	d := &i2c.Dev{Bus: rec, Addr: testAddr}

	if err := d.Tx([]byte{0x10, 0x00}, nil); err != nil {
		t.Fatal(err)
	}
	r := make([]byte, 3)
	if err := d.Tx(nil, r); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x12, 0x34, 0xb6}, r); diff != "" {
		t.Errorf("Tx() read (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]byte{{0x10, 0x00}, {}}, tgt.segments); diff != "" {
		t.Errorf("target segments (-want +got):\n%s", diff)
	}
	if len(rec.Ops) != 2 {
		t.Errorf("expected 2 recorded transactions, got %d", len(rec.Ops))
	}
	if sim.Stops() != 2 {
		t.Errorf("expected 2 stop conditions, got %d", sim.Stops())
	}
}

func TestTxErrors(t *testing.T) {
	tgt := &target{maxWrite: 1}
	b, sim := newTestBus(t, tgt)

	if err := b.Tx(0x80, []byte{1}, nil); err == nil {
		t.Error("expected an error for a 10-bit address")
	}
	if err := b.Tx(testAddr+1, []byte{1}, nil); !errors.Is(err, ErrNoAck) {
		t.Errorf("expected ErrNoAck for an absent device, got %v", err)
	}
	if !sim.Idle() {
		t.Error("bus not idle after failed address")
	}
	if err := b.Tx(testAddr, []byte{1, 2, 3}, nil); !errors.Is(err, ErrNoAck) {
		t.Errorf("expected ErrNoAck for a refused byte, got %v", err)
	}
	if !sim.Idle() {
		t.Error("bus not idle after refused byte")
	}
	if diff := cmp.Diff([][]byte{{1}}, tgt.segments); diff != "" {
		t.Errorf("target segments (-want +got):\n%s", diff)
	}
}

func TestSetSpeed(t *testing.T) {
	b, _ := newTestBus(t, nil)
	for _, f := range []physic.Frequency{0, -physic.KiloHertz, physic.MegaHertz} {
		if err := b.SetSpeed(f); err == nil {
			t.Errorf("SetSpeed(%s) expected error", f)
		}
	}
	if err := b.SetSpeed(100 * physic.KiloHertz); err != nil {
		t.Fatal(err)
	}
	tm := b.Timing()
	if tm.WriteHigh != 5*time.Microsecond || tm.ReadHigh != 5*time.Microsecond {
		t.Errorf("unexpected high times %s/%s at 100kHz", tm.WriteHigh, tm.ReadHigh)
	}
	if tm.DataHold != 4*time.Microsecond {
		t.Errorf("unexpected hold time %s at 100kHz", tm.DataHold)
	}
	if tm.StartHold != DefaultTiming.StartHold {
		t.Error("SetSpeed() changed the start hold time")
	}
}

func TestSetSpeedDuringTraffic(t *testing.T) {
	tgt := &target{}
	b, _ := newTestBus(t, tgt)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			f := 100 * physic.KiloHertz
			if i%2 == 1 {
				f = 400 * physic.KiloHertz
			}
			if err := b.SetSpeed(f); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	for i := 0; i < 20; i++ {
		if err := b.Start(); err != nil {
			t.Fatal(err)
		}
		if err := b.Transmit(testAddr << 1); err != nil {
			t.Fatal(err)
		}
		if err := b.Transmit(0x5a); err != nil {
			t.Fatal(err)
		}
		if err := b.Stop(); err != nil {
			t.Fatal(err)
		}
	}
	<-done
	if len(tgt.segments) != 20 {
		t.Fatalf("expected 20 segments, got %d", len(tgt.segments))
	}
	if tm := b.Timing(); tm.WriteHigh != 1250*time.Nanosecond {
		t.Errorf("last SetSpeed() not kept: %s", tm.WriteHigh)
	}
}

func TestDelays(t *testing.T) {
	var got []time.Duration
	sim := bitbangtest.NewBus(testAddr, nil)
	tm := Timing{Edge: 1, StartHold: 2, StopSetup: 3, Settle: 4, DataSetup: 5, DataHold: 6, WriteHigh: 7, ReadHigh: 8, ByteGap: 9}
	b, err := New(sim.SCL(), sim.SDA(), &Opts{Timing: tm, Delay: func(d time.Duration) { got = append(got, d) }})
	if err != nil {
		t.Fatal(err)
	}
	_ = b.Start()
	_ = b.Stop()
	want := []time.Duration{1, 1, 2, 4, 1, 1, 3, 4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("start/stop delays (-want +got):\n%s", diff)
	}

	got = nil
	_, _ = b.Receive(false)
	if len(got) != 8*2+3 {
		t.Fatalf("expected %d delays in Receive(), got %d", 8*2+3, len(got))
	}
	if got[0] != tm.ReadHigh || got[1] != tm.DataHold {
		t.Errorf("unexpected bit delays %v", got[:2])
	}
	if diff := cmp.Diff([]time.Duration{5, 7, 9}, got[16:]); diff != "" {
		t.Errorf("acknowledge delays (-want +got):\n%s", diff)
	}
}

func TestGPIOTestPins(t *testing.T) {
	scl := &gpiotest.Pin{N: "GPIO24", Num: 24}
	sda := &gpiotest.Pin{N: "GPIO23", Num: 23}
	opts := DefaultOpts
	opts.Delay = noDelay
	b, err := New(scl, sda, &opts)
	if err != nil {
		t.Fatal(err)
	}
	if scl.P != gpio.PullUp || sda.P != gpio.PullUp {
		t.Errorf("lines not released with pull-up: %s %s", scl.P, sda.P)
	}
	if b.SCL() != scl || b.SDA() != sda {
		t.Error("SCL()/SDA() don't return the lines passed to New()")
	}
	if s := b.String(); s == "" {
		t.Error("String() returned empty")
	}
	// Nothing pulls SDA down during the acknowledge clock.
	_ = b.Start()
	if err := b.Transmit(0x80); !errors.Is(err, ErrNoAck) {
		t.Errorf("expected ErrNoAck, got %v", err)
	}
	if err := b.Halt(); err != nil {
		t.Error(err)
	}
	if scl.L != gpio.High || sda.L != gpio.High {
		t.Error("Halt() didn't release the lines")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, &gpiotest.Pin{}, nil); err == nil {
		t.Error("expected error for a missing SCL")
	}
	sim := bitbangtest.NewBus(testAddr, nil)
	b, err := New(sim.SCL(), sim.SDA(), &Opts{Delay: noDelay})
	if err != nil {
		t.Fatal(err)
	}
	if b.Timing() != DefaultTiming {
		t.Error("zero Timing didn't select DefaultTiming")
	}
}
