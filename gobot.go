package isp

import (
	"errors"

	"gobot.io/x/gobot/v2/drivers/gpio"
	"gobot.io/x/gobot/v2/drivers/spi"
)

// DefaultSpeed 16MHz/128，与目标芯片最低时钟兼容
const DefaultSpeed int64 = 125000

var BusClosedError = errors.New("spi bus not open")

// GobotBus implements Bus on top of a gobot SPI connector (e.g. a raspi adaptor).
type GobotBus struct {
	Connector  spi.Connector
	BusNumber  int
	ChipNumber int
	MaxSpeed   int64

	conn spi.Connection
}

// NewGobotBus uses the connector's default bus and chip select.
func NewGobotBus(connector spi.Connector) *GobotBus {
	return &GobotBus{
		Connector:  connector,
		BusNumber:  connector.SpiDefaultBusNumber(),
		ChipNumber: connector.SpiDefaultChipNumber(),
		MaxSpeed:   DefaultSpeed,
	}
}

func (b *GobotBus) Begin() error {
	if b.conn != nil {
		return nil
	}
	speed := b.MaxSpeed
	if speed <= 0 {
		speed = DefaultSpeed
	}
	// AVR串行编程: mode 0, 8 bit
	conn, err := b.Connector.GetSpiConnection(b.BusNumber, b.ChipNumber, 0, 8, speed)
	if err != nil {
		return err
	}
	b.conn = conn
	return nil
}

// Transfer is a full-duplex exchange; the connection returns the byte clocked in
// while each tx byte is clocked out.
func (b *GobotBus) Transfer(tx []byte, rx []byte) error {
	if b.conn == nil {
		return BusClosedError
	}
	return b.conn.ReadCommandData(tx, rx)
}

func (b *GobotBus) End() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// GobotReset drives the target RESET through a gobot digital writer.
type GobotReset struct {
	Writer gpio.DigitalWriter
	Pin    string
}

func (r *GobotReset) Drive(high bool) error {
	level := byte(0)
	if high {
		level = 1
	}
	return r.Writer.DigitalWrite(r.Pin, level)
}

// Release leaves RESET high; a DigitalWriter cannot switch the pin to input,
// the target sees the same deasserted level.
func (r *GobotReset) Release() error {
	return r.Drive(true)
}
