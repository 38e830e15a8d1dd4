package transport

import (
	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate matches avrdude's -b default for the arduino/stk500v1 programmer.
const DefaultBaudRate = 115200

/*
 * @Description: 打开串口 8N1
 * @param name 串口名 (COM4, /dev/ttyUSB0)
 * @param baud 波特率，<=0 使用 DefaultBaudRate
 * @return serial.Port
 */
func OpenSerial(name string, baud int) (serial.Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", name)
	}
	return port, nil
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]*enumerator.PortDetails, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "list serial ports")
	}
	return ports, nil
}
