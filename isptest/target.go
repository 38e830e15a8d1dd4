// Package isptest provides a simulated AVR target that speaks the serial
// programming instruction set, for use in tests of the isp and stk500 packages.
package isptest

import (
	"errors"
	"fmt"
	"sync"
)

// Frame is one 4-byte SPI exchange as seen by the target.
type Frame [4]byte

// Target simulates an AVR in serial programming mode. It implements both
// isp.Bus and isp.ResetLine.
type Target struct {
	mu sync.Mutex

	Signature uint32
	Flash     []uint16
	EEPROM    []byte

	// BusyPolls is how many busy polls report busy after each commit.
	BusyPolls int
	// StuckBusy makes every busy poll report busy.
	StuckBusy bool
	// Mute suppresses the programming-enable echo.
	Mute bool
	// FailTransfer is returned by every Transfer when set.
	FailTransfer error

	busOpen  bool
	resetLow bool
	enabled  bool
	busy     int

	flashBuf  map[uint16]uint16
	eepromBuf map[uint16]byte

	frames      []Frame
	handshakes  int
	flashPages  []uint16
	eepromPages []uint16
	released    bool
}

// NewTarget returns a target with erased memories of the given sizes.
func NewTarget(signature uint32, flashWords, eepromBytes int) *Target {
	t := &Target{
		Signature: signature,
		Flash:     make([]uint16, flashWords),
		EEPROM:    make([]byte, eepromBytes),
		flashBuf:  make(map[uint16]uint16),
		eepromBuf: make(map[uint16]byte),
	}
	for i := range t.Flash {
		t.Flash[i] = 0xFFFF
	}
	for i := range t.EEPROM {
		t.EEPROM[i] = 0xFF
	}
	return t
}

func (t *Target) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busOpen = true
	return nil
}

func (t *Target) End() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busOpen = false
	return nil
}

// Drive models the active-low RESET pin. A rising edge leaves programming mode.
func (t *Target) Drive(high bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if high {
		t.enabled = false
	}
	t.resetLow = !high
	t.released = false
	return nil
}

func (t *Target) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = true
	return nil
}

func (t *Target) Transfer(tx []byte, rx []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.FailTransfer != nil {
		return t.FailTransfer
	}
	if !t.busOpen {
		return errors.New("isptest: transfer on closed bus")
	}
	if len(tx) != 4 || len(rx) != 4 {
		return fmt.Errorf("isptest: frame must be 4 bytes, got tx=%d rx=%d", len(tx), len(rx))
	}

	var f Frame
	copy(f[:], tx)
	t.frames = append(t.frames, f)

	// the target echoes the previous byte on the second and third transfer
	rx[0] = 0x00
	rx[1] = tx[0]
	rx[2] = tx[1]
	rx[3] = 0x00

	if f[0] == 0xAC && f[1] == 0x53 {
		t.handshakes++
		if !t.resetLow || t.Mute {
			rx[2] = 0x00
			return nil
		}
		t.enabled = true
		return nil
	}
	if !t.enabled {
		return nil
	}

	addr := uint16(f[1])<<8 | uint16(f[2])
	switch f[0] {
	case 0x40:
		w, ok := t.flashBuf[addr]
		if !ok {
			w = 0xFFFF
		}
		t.flashBuf[addr] = w&0xFF00 | uint16(f[3])
	case 0x48:
		w, ok := t.flashBuf[addr]
		if !ok {
			w = 0xFFFF
		}
		t.flashBuf[addr] = w&0x00FF | uint16(f[3])<<8
	case 0x4C:
		for a, w := range t.flashBuf {
			if int(a) < len(t.Flash) {
				t.Flash[a] = w
			}
		}
		t.flashBuf = make(map[uint16]uint16)
		t.flashPages = append(t.flashPages, addr)
		t.busy = t.BusyPolls
	case 0xC1:
		t.eepromBuf[addr] = f[3]
	case 0xC2:
		for a, b := range t.eepromBuf {
			if int(a) < len(t.EEPROM) {
				t.EEPROM[a] = b
			}
		}
		t.eepromBuf = make(map[uint16]byte)
		t.eepromPages = append(t.eepromPages, addr)
		t.busy = t.BusyPolls
	case 0x20:
		if int(addr) < len(t.Flash) {
			rx[3] = byte(t.Flash[addr])
		}
	case 0x28:
		if int(addr) < len(t.Flash) {
			rx[3] = byte(t.Flash[addr] >> 8)
		}
	case 0xA0:
		if int(addr) < len(t.EEPROM) {
			rx[3] = t.EEPROM[addr]
		}
	case 0x30:
		switch f[2] & 0x03 {
		case 0:
			rx[3] = byte(t.Signature >> 16)
		case 1:
			rx[3] = byte(t.Signature >> 8)
		case 2:
			rx[3] = byte(t.Signature)
		}
	case 0xF0:
		switch {
		case t.StuckBusy:
			rx[3] = 0x01
		case t.busy > 0:
			t.busy--
			rx[3] = 0x01
		}
	}
	return nil
}

// Frames returns a copy of every exchange seen so far.
func (t *Target) Frames() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Frame, len(t.frames))
	copy(out, t.frames)
	return out
}

// Handshakes counts programming-enable frames.
func (t *Target) Handshakes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handshakes
}

// FlashCommits returns the page addresses of every flash page write, in order.
func (t *Target) FlashCommits() []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint16(nil), t.flashPages...)
}

// EEpromCommits returns the page addresses of every EEPROM page write, in order.
func (t *Target) EEpromCommits() []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint16(nil), t.eepromPages...)
}

// Programming reports whether the target has accepted programming enable.
func (t *Target) Programming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Released reports whether RESET was released after the last drive.
func (t *Target) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

// BusOpen reports whether the bus is between Begin and End.
func (t *Target) BusOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busOpen
}
