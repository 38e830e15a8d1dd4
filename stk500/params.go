package stk500

import (
	"encoding/binary"
	"fmt"
)

const (
	DeviceParametersSize         = 20
	ExtendedDeviceParametersSize = 5
)

// DeviceParameters is the SET_DEVICE payload.
//
// Wire order (multi-byte fields big-endian):
//
//	[DEVCODE][REV][PROGTYPE][PARMODE][POLLING][SELFTIMED][LOCKBYTES][FUSEBYTES]
//	[FLASHPOLL1][FLASHPOLL2][EEPROMPOLL(2)][PAGESIZE(2)][EEPROMSIZE(2)][FLASHSIZE(4)]
type DeviceParameters struct {
	DeviceCode byte
	Revision   byte
	ProgType   byte
	ParMode    byte
	Polling    byte
	SelfTimed  byte
	LockBytes  byte
	FuseBytes  byte
	FlashPoll1 byte
	FlashPoll2 byte
	EEPROMPoll uint16

	// PageSize is the flash page size in bytes
	PageSize uint16

	// EEPROMSize is the EEPROM size in bytes
	EEPROMSize uint16

	// FlashSize is the flash size in bytes
	FlashSize uint32
}

// ParseDeviceParameters decodes a SET_DEVICE payload.
func ParseDeviceParameters(data []byte) (DeviceParameters, error) {
	if len(data) != DeviceParametersSize {
		return DeviceParameters{}, fmt.Errorf("device parameters must be %d bytes, got %d", DeviceParametersSize, len(data))
	}
	return DeviceParameters{
		DeviceCode: data[0],
		Revision:   data[1],
		ProgType:   data[2],
		ParMode:    data[3],
		Polling:    data[4],
		SelfTimed:  data[5],
		LockBytes:  data[6],
		FuseBytes:  data[7],
		FlashPoll1: data[8],
		FlashPoll2: data[9],
		EEPROMPoll: binary.BigEndian.Uint16(data[10:12]),
		PageSize:   binary.BigEndian.Uint16(data[12:14]),
		EEPROMSize: binary.BigEndian.Uint16(data[14:16]),
		FlashSize:  binary.BigEndian.Uint32(data[16:20]),
	}, nil
}

// Bytes encodes p in wire order.
func (p DeviceParameters) Bytes() []byte {
	data := make([]byte, DeviceParametersSize)
	copy(data, []byte{
		p.DeviceCode, p.Revision, p.ProgType, p.ParMode, p.Polling,
		p.SelfTimed, p.LockBytes, p.FuseBytes, p.FlashPoll1, p.FlashPoll2,
	})
	binary.BigEndian.PutUint16(data[10:12], p.EEPROMPoll)
	binary.BigEndian.PutUint16(data[12:14], p.PageSize)
	binary.BigEndian.PutUint16(data[14:16], p.EEPROMSize)
	binary.BigEndian.PutUint32(data[16:20], p.FlashSize)
	return data
}

// FlashPage returns the word address of the flash page holding word address addr.
// Page sizes other than 32, 64, 128 and 256 bytes disable paging: every word is its own page.
func (p DeviceParameters) FlashPage(addr uint16) uint16 {
	switch p.PageSize {
	case 32, 64, 128, 256:
		return addr &^ (p.PageSize/2 - 1)
	default:
		return addr
	}
}

// ExtendedDeviceParameters is the SET_DEVICE_EXT payload.
type ExtendedDeviceParameters struct {
	CommandSize    byte
	EEPROMPageSize byte
	SignalPagel    byte
	SignalBS2      byte
	ResetDisable   byte
}

// ParseExtendedDeviceParameters decodes a SET_DEVICE_EXT payload.
func ParseExtendedDeviceParameters(data []byte) (ExtendedDeviceParameters, error) {
	if len(data) != ExtendedDeviceParametersSize {
		return ExtendedDeviceParameters{}, fmt.Errorf("extended device parameters must be %d bytes, got %d", ExtendedDeviceParametersSize, len(data))
	}
	return ExtendedDeviceParameters{
		CommandSize:    data[0],
		EEPROMPageSize: data[1],
		SignalPagel:    data[2],
		SignalBS2:      data[3],
		ResetDisable:   data[4],
	}, nil
}

func (p ExtendedDeviceParameters) Bytes() []byte {
	return []byte{p.CommandSize, p.EEPROMPageSize, p.SignalPagel, p.SignalBS2, p.ResetDisable}
}

// EEPROMPage returns the byte address of the EEPROM page holding byte address addr.
// Only power-of-two page sizes page; anything else commits every byte.
func (p ExtendedDeviceParameters) EEPROMPage(addr uint16) uint16 {
	size := uint16(p.EEPROMPageSize)
	if size < 2 || size&(size-1) != 0 {
		return addr
	}
	return addr &^ (size - 1)
}
