package stk500

import (
	"fmt"
	"io"
	"sync/atomic"

	isp "github.com/tocurd/go-avrisp"
)

// Stream is the byte channel between the host tool and the engine.
// A *bufio.ReadWriter satisfies it; the caller flushes after Process returns.
type Stream interface {
	io.ByteReader
	io.ByteWriter
	io.StringWriter
}

// Engine decodes STK500v1 commands and drives an ISP programmer.
//
// Process must not be called concurrently; Status may be read from any goroutine.
type Engine struct {
	isp    isp.Interface
	config Config
	status atomic.Int32

	params  DeviceParameters
	ext     ExtendedDeviceParameters
	address uint16

	stream Stream
	err    error
}

// New creates an Engine that programs the target through programmer.
func New(programmer isp.Interface, opts ...Option) *Engine {
	if programmer == nil {
		panic("programmer cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{isp: programmer, config: cfg}
}

// Status returns the current session status.
func (e *Engine) Status() Status {
	return Status(e.status.Load())
}

// Address returns the current word address.
func (e *Engine) Address() uint16 {
	return e.address
}

// Parameters returns the device parameters last set by the host.
func (e *Engine) Parameters() (DeviceParameters, ExtendedDeviceParameters) {
	return e.params, e.ext
}

/*
 * @Description: 读取并处理一条完整命令
 * @param stream
 * @return error 仅在字节流本身出错时返回 (如 io.EOF)
 */
func (e *Engine) Process(stream Stream) error {
	e.stream, e.err = stream, nil
	defer func() { e.stream = nil }()

	command := Command(e.read())
	if e.err != nil {
		return e.err
	}
	e.config.Logger.Debug("command", "opcode", fmt.Sprintf("0x%02X", byte(command)))

	switch command {
	case CommandGetSync:
		e.emptyReply()

	case CommandGetSignOn:
		if e.insync() {
			e.writeString(e.config.SignOn)
			e.write(byte(ResponseOK))
		}

	case CommandGetParameter:
		e.getParameter()

	case CommandSetDevice:
		e.setDevice()

	case CommandSetDeviceExt:
		e.setDeviceExt()

	case CommandEnterProgmode:
		e.enterProgmode()

	case CommandLeaveProgmode:
		e.leaveProgmode()

	case CommandLoadAddress:
		low := e.read()
		high := e.read()
		if e.insync() {
			e.address = uint16(high)<<8 | uint16(low)
			e.write(byte(ResponseOK))
		}

	case CommandUniversal:
		e.universal()

	case CommandProgPage:
		e.progPage()

	case CommandReadPage:
		e.readPage()

	case CommandReadSign:
		e.readSign()

	case CrcEOP:
		// a terminator where a command was expected: the host is resynchronising
		e.write(byte(ResponseNoSync))

	default:
		if e.read() == byte(CrcEOP) {
			e.write(byte(ResponseUnknown))
		} else {
			e.write(byte(ResponseNoSync))
		}
	}

	return e.err
}

func (e *Engine) setStatus(status Status) {
	old := Status(e.status.Swap(int32(status)))
	if old != status {
		e.config.Logger.Info("status changed", "from", old.String(), "to", status.String())
	}
}

func (e *Engine) getParameter() {
	var value byte
	switch e.read() {
	case ParameterHardwareVersion:
		value = e.config.HardwareVersion
	case ParameterSoftwareMajor:
		value = e.config.SoftwareMajor
	case ParameterSoftwareMinor:
		value = e.config.SoftwareMinor
	case ParameterProgMode:
		value = ProgModeSerial
	}
	e.byteReply(value)
}

func (e *Engine) setDevice() {
	var data [DeviceParametersSize]byte
	e.readFull(data[:])
	if !e.insync() {
		return
	}
	params, err := ParseDeviceParameters(data[:])
	if err != nil {
		e.write(byte(ResponseFailed))
		return
	}
	e.params = params
	e.config.Logger.Debug("device parameters",
		"device_code", fmt.Sprintf("0x%02X", params.DeviceCode),
		"page_size", params.PageSize,
		"eeprom_size", params.EEPROMSize,
		"flash_size", params.FlashSize,
	)
	e.write(byte(ResponseOK))
}

func (e *Engine) setDeviceExt() {
	var data [ExtendedDeviceParametersSize]byte
	e.readFull(data[:])
	if !e.insync() {
		return
	}
	ext, err := ParseExtendedDeviceParameters(data[:])
	if err != nil {
		e.write(byte(ResponseFailed))
		return
	}
	e.ext = ext
	e.config.Logger.Debug("extended device parameters", "eeprom_page_size", ext.EEPROMPageSize)
	e.write(byte(ResponseOK))
}

func (e *Engine) enterProgmode() {
	if !e.insync() {
		return
	}
	if e.Status() != StatusProgramMode {
		if err := e.isp.EnterProgramMode(); err != nil {
			e.config.Logger.Error("enter program mode", "error", err)
			e.setStatus(StatusError)
		} else {
			e.setStatus(StatusProgramMode)
		}
	}
	e.write(byte(ResponseOK))
}

func (e *Engine) leaveProgmode() {
	if !e.insync() {
		return
	}
	if err := e.isp.ExitProgramMode(); err != nil {
		e.config.Logger.Error("exit program mode", "error", err)
	}
	if e.Status() != StatusError {
		e.setStatus(StatusDone)
	}
	e.write(byte(ResponseOK))
}

func (e *Engine) universal() {
	var instruction [4]byte
	e.readFull(instruction[:])
	if !e.insync() {
		return
	}
	b, err := e.isp.RawCommand(instruction[0], instruction[1], instruction[2], instruction[3])
	if err != nil {
		e.config.Logger.Error("universal", "instruction", fmt.Sprintf("% X", instruction), "error", err)
		e.write(byte(ResponseFailed))
		return
	}
	e.write(b)
	e.write(byte(ResponseOK))
}

// readLength reads the big-endian transfer length shared by PROG_PAGE and READ_PAGE.
func (e *Engine) readLength() uint16 {
	high := e.read()
	low := e.read()
	return uint16(high)<<8 | uint16(low)
}

func (e *Engine) progPage() {
	length := e.readLength()
	if length > MaxPageLength {
		e.write(byte(ResponseFailed))
		return
	}

	var buffer [MaxPageLength]byte
	data := buffer[:length]

	var result Response
	switch memType := e.read(); memType {
	case MemoryFlash:
		e.readFull(data)
		if !e.insync() {
			return
		}
		result = e.writeFlash(data)

	case MemoryEEPROM:
		e.readFull(data)
		if !e.insync() {
			return
		}
		if length > e.params.EEPROMSize {
			e.config.Logger.Error("eeprom write exceeds device size", "length", length, "eeprom_size", e.params.EEPROMSize)
			result = ResponseFailed
		} else {
			result = e.writeEEprom(data)
		}

	default:
		e.write(byte(ResponseFailed))
		return
	}

	if result != ResponseOK {
		e.setStatus(StatusError)
	}
	e.write(byte(result))
}

func (e *Engine) writeFlash(data []byte) Response {
	result := ResponseOK
	prevPage := e.params.FlashPage(e.address)
	for i := 0; i < len(data); i += 2 {
		page := e.params.FlashPage(e.address)
		if page != prevPage {
			if err := e.isp.CommitFlash(prevPage); err != nil {
				e.config.Logger.Error("commit flash page", "page", fmt.Sprintf("0x%04X", prevPage), "error", err)
				result = ResponseFailed
			}
			prevPage = page
		}
		word := 0xFF00 | uint16(data[i])
		if i+1 < len(data) {
			word = uint16(data[i+1])<<8 | uint16(data[i])
		}
		if err := e.isp.WriteFlash(e.address, word); err != nil {
			e.config.Logger.Error("load flash word", "address", fmt.Sprintf("0x%04X", e.address), "error", err)
			result = ResponseFailed
		}
		e.address++
	}
	if err := e.isp.CommitFlash(prevPage); err != nil {
		e.config.Logger.Error("commit flash page", "page", fmt.Sprintf("0x%04X", prevPage), "error", err)
		result = ResponseFailed
	}
	return result
}

// writeEEprom writes at the byte address of the current word address. The
// cursor itself is left where it is.
func (e *Engine) writeEEprom(data []byte) Response {
	result := ResponseOK
	addr := e.address << 1
	prevPage := e.ext.EEPROMPage(addr)
	for _, b := range data {
		page := e.ext.EEPROMPage(addr)
		if page != prevPage {
			if err := e.isp.CommitEEprom(prevPage); err != nil {
				e.config.Logger.Error("commit eeprom page", "page", fmt.Sprintf("0x%04X", prevPage), "error", err)
				result = ResponseFailed
			}
			prevPage = page
		}
		if err := e.isp.WriteEEprom(addr, b); err != nil {
			e.config.Logger.Error("load eeprom byte", "address", fmt.Sprintf("0x%04X", addr), "error", err)
			result = ResponseFailed
		}
		addr++
	}
	if err := e.isp.CommitEEprom(prevPage); err != nil {
		e.config.Logger.Error("commit eeprom page", "page", fmt.Sprintf("0x%04X", prevPage), "error", err)
		result = ResponseFailed
	}
	return result
}

func (e *Engine) readPage() {
	length := e.readLength()
	if length > MaxPageLength {
		e.write(byte(ResponseFailed))
		return
	}
	memType := e.read()
	if !e.insync() {
		return
	}
	switch memType {
	case MemoryFlash:
		e.write(byte(e.readFlash(length)))
	case MemoryEEPROM:
		e.write(byte(e.readEEprom(length)))
	default:
		e.write(byte(ResponseFailed))
	}
}

func (e *Engine) readFlash(length uint16) Response {
	result := ResponseOK
	for i := uint16(0); i < length; i += 2 {
		word, err := e.isp.ReadFlash(e.address)
		if err != nil {
			e.config.Logger.Error("read flash", "address", fmt.Sprintf("0x%04X", e.address), "error", err)
			result = ResponseFailed
		}
		e.write(byte(word))
		if i+1 < length {
			e.write(byte(word >> 8))
		}
		e.address++
	}
	return result
}

func (e *Engine) readEEprom(length uint16) Response {
	result := ResponseOK
	addr := e.address << 1
	for i := uint16(0); i < length; i++ {
		b, err := e.isp.ReadEEprom(addr)
		if err != nil {
			e.config.Logger.Error("read eeprom", "address", fmt.Sprintf("0x%04X", addr), "error", err)
			result = ResponseFailed
		}
		e.write(b)
		addr++
	}
	return result
}

func (e *Engine) readSign() {
	if !e.insync() {
		return
	}
	signature, err := e.isp.ReadSignature()
	if err != nil {
		e.config.Logger.Error("read signature", "error", err)
		e.write(byte(ResponseFailed))
		return
	}
	e.write(byte(signature >> 16))
	e.write(byte(signature >> 8))
	e.write(byte(signature))
	e.write(byte(ResponseOK))
}
