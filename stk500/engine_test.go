package stk500

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	isp "github.com/tocurd/go-avrisp"
	"github.com/tocurd/go-avrisp/isptest"
)

const testSignature = 0x1E950F

var atmega328p = DeviceParameters{
	DeviceCode: 0x86,
	ProgType:   0x00,
	ParMode:    0x01,
	Polling:    0x01,
	SelfTimed:  0x01,
	LockBytes:  0x01,
	FuseBytes:  0x03,
	FlashPoll1: 0xFF,
	FlashPoll2: 0xFF,
	EEPROMPoll: 0xFFFF,
	PageSize:   128,
	EEPROMSize: 1024,
	FlashSize:  32768,
}

var atmega328pExt = ExtendedDeviceParameters{
	CommandSize:    5,
	EEPROMPageSize: 4,
	SignalPagel:    0xD7,
	SignalBS2:      0xC2,
}

func newTestEngine(t *testing.T, opts ...isp.Option) (*Engine, *isptest.Target) {
	t.Helper()
	target := isptest.NewTarget(testSignature, 16*1024, 1024)
	opts = append([]isp.Option{isp.WithResetTiming(0, 0)}, opts...)
	return New(isp.New(target, target, opts...)), target
}

// exchange feeds input to the engine until it is exhausted and returns every reply byte.
func exchange(t *testing.T, e *Engine, input ...[]byte) []byte {
	t.Helper()
	in := bytes.NewReader(bytes.Join(input, nil))
	var out bytes.Buffer
	rw := bufio.NewReadWriter(bufio.NewReader(in), bufio.NewWriter(&out))
	for {
		err := e.Process(rw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}
	if err := rw.Flush(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

func expect(t *testing.T, got []byte, want ...byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Errorf("reply = % X, want % X", got, want)
	}
}

func command(b ...byte) []byte {
	return append(b, byte(CrcEOP))
}

func setDevice(p DeviceParameters) []byte {
	return command(append([]byte{byte(CommandSetDevice)}, p.Bytes()...)...)
}

func setDeviceExt(p ExtendedDeviceParameters) []byte {
	return command(append([]byte{byte(CommandSetDeviceExt)}, p.Bytes()...)...)
}

func loadAddress(addr uint16) []byte {
	return command(byte(CommandLoadAddress), byte(addr), byte(addr>>8))
}

func progPage(memType byte, data []byte) []byte {
	b := []byte{byte(CommandProgPage), byte(len(data) >> 8), byte(len(data)), memType}
	return command(append(b, data...)...)
}

func readPage(memType byte, length int) []byte {
	return command(byte(CommandReadPage), byte(length>>8), byte(length), memType)
}

func enterProgmode() []byte {
	return command(byte(CommandEnterProgmode))
}

// ready sets ATmega328P parameters and enters program mode.
func ready(t *testing.T, e *Engine) {
	t.Helper()
	reply := exchange(t, e, setDevice(atmega328p), setDeviceExt(atmega328pExt), enterProgmode())
	expect(t, reply, 0x14, 0x10, 0x14, 0x10, 0x14, 0x10)
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func countInstruction(frames []isptest.Frame, instruction byte) int {
	n := 0
	for _, f := range frames {
		if f[0] == instruction {
			n++
		}
	}
	return n
}

func TestEngine_GetSync(t *testing.T) {
	e, _ := newTestEngine(t)
	expect(t, exchange(t, e, []byte{0x30, 0x20}), 0x14, 0x10)
}

func TestEngine_GetSignOn(t *testing.T) {
	e, _ := newTestEngine(t)

	want := append([]byte{0x14}, []byte("AVR STK")...)
	want = append(want, 0x10)
	expect(t, exchange(t, e, []byte{0x31, 0x20}), want...)

	expect(t, exchange(t, e, []byte{0x31, 0x21}), 0x15)
}

func TestEngine_GetSignOnCustom(t *testing.T) {
	target := isptest.NewTarget(testSignature, 64, 64)
	e := New(isp.New(target, target), WithSignOn("ISP"))
	expect(t, exchange(t, e, []byte{0x31, 0x20}), 0x14, 'I', 'S', 'P', 0x10)
}

func TestEngine_GetParameter(t *testing.T) {
	tests := []struct {
		name  string
		param byte
		want  byte
	}{
		{"hardware version", ParameterHardwareVersion, HardwareVersion},
		{"software major", ParameterSoftwareMajor, SoftwareMajor},
		{"software minor", ParameterSoftwareMinor, SoftwareMinor},
		{"programmer type", ParameterProgMode, 'S'},
		{"unknown", 0x98, 0x00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			expect(t, exchange(t, e, command(byte(CommandGetParameter), tt.param)), 0x14, tt.want, 0x10)
		})
	}

	t.Run("missing terminator", func(t *testing.T) {
		e, _ := newTestEngine(t)
		expect(t, exchange(t, e, []byte{byte(CommandGetParameter), ParameterHardwareVersion, 0x00}), 0x15)
	})
}

func TestEngine_WithVersion(t *testing.T) {
	target := isptest.NewTarget(testSignature, 64, 64)
	e := New(isp.New(target, target), WithVersion(3, 2, 1))
	reply := exchange(t, e,
		command(byte(CommandGetParameter), ParameterHardwareVersion),
		command(byte(CommandGetParameter), ParameterSoftwareMajor),
		command(byte(CommandGetParameter), ParameterSoftwareMinor),
	)
	expect(t, reply, 0x14, 3, 0x10, 0x14, 2, 0x10, 0x14, 1, 0x10)
}

func TestEngine_ParametersIndependentOfAddress(t *testing.T) {
	e, _ := newTestEngine(t)
	reply := exchange(t, e,
		loadAddress(0x1234),
		command(byte(CommandGetParameter), ParameterSoftwareMinor),
		loadAddress(0x0000),
		command(byte(CommandGetParameter), ParameterSoftwareMinor),
	)
	expect(t, reply, 0x14, 0x10, 0x14, SoftwareMinor, 0x10, 0x14, 0x10, 0x14, SoftwareMinor, 0x10)
}

func TestEngine_LoadAddress(t *testing.T) {
	e, _ := newTestEngine(t)
	expect(t, exchange(t, e, loadAddress(0xBEEF)), 0x14, 0x10)
	if got := e.Address(); got != 0xBEEF {
		t.Errorf("Address() = 0x%04X, want 0xBEEF", got)
	}
}

func TestEngine_SetDevice(t *testing.T) {
	e, _ := newTestEngine(t)
	expect(t, exchange(t, e, setDevice(atmega328p), setDeviceExt(atmega328pExt)), 0x14, 0x10, 0x14, 0x10)

	params, ext := e.Parameters()
	if params != atmega328p {
		t.Errorf("Parameters() = %+v, want %+v", params, atmega328p)
	}
	if ext != atmega328pExt {
		t.Errorf("extended = %+v, want %+v", ext, atmega328pExt)
	}
}

func TestEngine_MissingTerminatorMutatesNothing(t *testing.T) {
	bad := func(b []byte) []byte {
		out := append([]byte(nil), b...)
		out[len(out)-1] = 0x00
		return out
	}
	tests := []struct {
		name  string
		input []byte
	}{
		{"get sync", bad(command(byte(CommandGetSync)))},
		{"load address", bad(loadAddress(0x0040))},
		{"set device", bad(setDevice(DeviceParameters{PageSize: 64}))},
		{"set device ext", bad(setDeviceExt(ExtendedDeviceParameters{EEPROMPageSize: 8}))},
		{"enter progmode", bad(enterProgmode())},
		{"leave progmode", bad(command(byte(CommandLeaveProgmode)))},
		{"universal", bad(command(byte(CommandUniversal), 0xAC, 0x80, 0x00, 0x00))},
		{"prog page flash", bad(progPage(MemoryFlash, pattern(16)))},
		{"prog page eeprom", bad(progPage(MemoryEEPROM, pattern(4)))},
		{"read page", bad(readPage(MemoryFlash, 16))},
		{"read sign", bad(command(byte(CommandReadSign)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, target := newTestEngine(t)
			ready(t, e)
			expect(t, exchange(t, e, loadAddress(0x0010)), 0x14, 0x10)
			frames := len(target.Frames())

			expect(t, exchange(t, e, tt.input), 0x15)

			if got := e.Address(); got != 0x0010 {
				t.Errorf("Address() = 0x%04X, want 0x0010", got)
			}
			params, ext := e.Parameters()
			if params != atmega328p || ext != atmega328pExt {
				t.Errorf("parameters changed: %+v %+v", params, ext)
			}
			if got := e.Status(); got != StatusProgramMode {
				t.Errorf("Status() = %v, want %v", got, StatusProgramMode)
			}
			if got := len(target.Frames()); got != frames {
				t.Errorf("target saw %d new frames", got-frames)
			}
		})
	}
}

func TestEngine_BareTerminator(t *testing.T) {
	e, _ := newTestEngine(t)
	expect(t, exchange(t, e, []byte{0x20}, []byte{0x30, 0x20}), 0x15, 0x14, 0x10)
}

func TestEngine_UnknownCommand(t *testing.T) {
	e, _ := newTestEngine(t)
	expect(t, exchange(t, e, []byte{0x99, 0x20}), 0x12)
	expect(t, exchange(t, e, []byte{0x99, 0x00}), 0x15)
}

func TestEngine_EnterProgmodeIdempotent(t *testing.T) {
	e, target := newTestEngine(t)
	expect(t, exchange(t, e, enterProgmode(), enterProgmode()), 0x14, 0x10, 0x14, 0x10)

	if got := target.Handshakes(); got != 1 {
		t.Errorf("handshakes = %d, want 1", got)
	}
	if got := e.Status(); got != StatusProgramMode {
		t.Errorf("Status() = %v, want %v", got, StatusProgramMode)
	}
}

func TestEngine_EnterProgmodeFailure(t *testing.T) {
	e, target := newTestEngine(t)
	target.Mute = true

	expect(t, exchange(t, e, enterProgmode()), 0x14, 0x10)
	if got := e.Status(); got != StatusError {
		t.Fatalf("Status() = %v, want %v", got, StatusError)
	}

	// a later attempt retries the handshake
	target.Mute = false
	expect(t, exchange(t, e, enterProgmode()), 0x14, 0x10)
	if got := e.Status(); got != StatusProgramMode {
		t.Errorf("Status() = %v, want %v", got, StatusProgramMode)
	}
	if got := target.Handshakes(); got != 6 {
		t.Errorf("handshakes = %d, want 6", got)
	}
}

func TestEngine_LeaveProgmode(t *testing.T) {
	e, target := newTestEngine(t)
	ready(t, e)

	expect(t, exchange(t, e, command(byte(CommandLeaveProgmode))), 0x14, 0x10)
	if got := e.Status(); got != StatusDone {
		t.Errorf("Status() = %v, want %v", got, StatusDone)
	}
	if target.BusOpen() || !target.Released() {
		t.Error("bus and reset not released")
	}

	// entering again after leaving performs a new handshake
	expect(t, exchange(t, e, enterProgmode()), 0x14, 0x10)
	if got := target.Handshakes(); got != 2 {
		t.Errorf("handshakes = %d, want 2", got)
	}
}

func TestEngine_LeaveProgmodeKeepsError(t *testing.T) {
	e, target := newTestEngine(t)
	target.Mute = true
	expect(t, exchange(t, e, enterProgmode(), command(byte(CommandLeaveProgmode))), 0x14, 0x10, 0x14, 0x10)
	if got := e.Status(); got != StatusError {
		t.Errorf("Status() = %v, want %v", got, StatusError)
	}
}

func TestEngine_Universal(t *testing.T) {
	e, _ := newTestEngine(t)
	ready(t, e)
	expect(t, exchange(t, e, command(byte(CommandUniversal), 0x30, 0x00, 0x00, 0x00)), 0x14, 0x1E, 0x10)
}

func TestEngine_UniversalBusError(t *testing.T) {
	e, target := newTestEngine(t)
	ready(t, e)
	target.FailTransfer = errors.New("bus fault")
	expect(t, exchange(t, e, command(byte(CommandUniversal), 0x30, 0x00, 0x00, 0x00)), 0x14, 0x11)
}

func TestEngine_ReadSign(t *testing.T) {
	e, _ := newTestEngine(t)
	ready(t, e)
	expect(t, exchange(t, e, command(byte(CommandReadSign))), 0x14, 0x1E, 0x95, 0x0F, 0x10)
}

func TestEngine_FlashRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	ready(t, e)

	data := pattern(128)
	expect(t, exchange(t, e, loadAddress(0x0040), progPage(MemoryFlash, data)), 0x14, 0x10, 0x14, 0x10)
	if got := e.Address(); got != 0x0080 {
		t.Errorf("Address() after write = 0x%04X, want 0x0080", got)
	}

	reply := exchange(t, e, loadAddress(0x0040), readPage(MemoryFlash, len(data)))
	want := append([]byte{0x14, 0x10, 0x14}, data...)
	want = append(want, 0x10)
	expect(t, reply, want...)
	if got := e.Address(); got != 0x0080 {
		t.Errorf("Address() after read = 0x%04X, want 0x0080", got)
	}
}

func TestEngine_FlashLittleEndianWords(t *testing.T) {
	e, target := newTestEngine(t)
	ready(t, e)

	expect(t, exchange(t, e, loadAddress(0), progPage(MemoryFlash, []byte{0x0C, 0x94, 0x34, 0x00})), 0x14, 0x10, 0x14, 0x10)
	if target.Flash[0] != 0x940C || target.Flash[1] != 0x0034 {
		t.Errorf("flash = % 04X, want 940C 0034", target.Flash[:2])
	}
}

func TestEngine_FlashOddLength(t *testing.T) {
	e, target := newTestEngine(t)
	ready(t, e)

	expect(t, exchange(t, e, loadAddress(0), progPage(MemoryFlash, []byte{0x01, 0x02, 0x03})), 0x14, 0x10, 0x14, 0x10)
	if target.Flash[1] != 0xFF03 {
		t.Errorf("flash[1] = 0x%04X, want 0xFF03", target.Flash[1])
	}
	expect(t, exchange(t, e, loadAddress(0), readPage(MemoryFlash, 3)), 0x14, 0x10, 0x14, 0x01, 0x02, 0x03, 0x10)
}

func TestEngine_FlashCommitPerPage(t *testing.T) {
	tests := []struct {
		name     string
		pageSize uint16
		address  uint16
		length   int
		want     []uint16
	}{
		{"two aligned pages", 128, 0x0000, 256, []uint16{0x0000, 0x0040}},
		{"one aligned page", 128, 0x0040, 128, []uint16{0x0040}},
		{"unaligned spans two pages", 128, 0x0020, 128, []uint16{0x0000, 0x0040}},
		{"small pages", 32, 0x0000, 64, []uint16{0x0000, 0x0010}},
		{"large page", 256, 0x0000, 256, []uint16{0x0000}},
		{"unsupported page size", 100, 0x0000, 6, []uint16{0x0000, 0x0001, 0x0002}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, target := newTestEngine(t)
			params := atmega328p
			params.PageSize = tt.pageSize
			expect(t, exchange(t, e, setDevice(params), enterProgmode()), 0x14, 0x10, 0x14, 0x10)

			expect(t, exchange(t, e, loadAddress(tt.address), progPage(MemoryFlash, pattern(tt.length))), 0x14, 0x10, 0x14, 0x10)

			got := target.FlashCommits()
			if len(got) != len(tt.want) {
				t.Fatalf("commits = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("commit %d = 0x%04X, want 0x%04X", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEngine_FlashCommitTimeout(t *testing.T) {
	e, target := newTestEngine(t, isp.WithIdleTimeout(5*time.Millisecond))
	ready(t, e)
	target.StuckBusy = true

	expect(t, exchange(t, e, loadAddress(0), progPage(MemoryFlash, pattern(256))), 0x14, 0x10, 0x14, 0x11)
	if got := e.Status(); got != StatusError {
		t.Errorf("Status() = %v, want %v", got, StatusError)
	}
	frames := target.Frames()
	if got := countInstruction(frames, 0x40); got != 128 {
		t.Errorf("low byte loads = %d, want 128", got)
	}
	if got := countInstruction(frames, 0x4C); got != 2 {
		t.Errorf("page writes = %d, want 2", got)
	}

	// status recovers once program mode is entered again
	target.StuckBusy = false
	expect(t, exchange(t, e, enterProgmode()), 0x14, 0x10)
	if got := e.Status(); got != StatusProgramMode {
		t.Errorf("Status() = %v, want %v", got, StatusProgramMode)
	}
}

func TestEngine_ProgPageTooLong(t *testing.T) {
	e, target := newTestEngine(t)
	ready(t, e)
	frames := len(target.Frames())

	reply := exchange(t, e, []byte{byte(CommandProgPage), 0x01, 0x01}, command(byte(CommandGetSync)))
	expect(t, reply, 0x11, 0x14, 0x10)
	if got := len(target.Frames()); got != frames {
		t.Errorf("target saw %d new frames", got-frames)
	}
	if got := e.Status(); got != StatusProgramMode {
		t.Errorf("Status() = %v, want %v", got, StatusProgramMode)
	}
}

func TestEngine_ProgPageUnknownMemory(t *testing.T) {
	e, _ := newTestEngine(t)
	ready(t, e)
	expect(t, exchange(t, e, []byte{byte(CommandProgPage), 0x00, 0x00, 'X'}), 0x11)
}

func TestEngine_EEpromRoundTrip(t *testing.T) {
	e, target := newTestEngine(t)
	ready(t, e)

	data := []byte("ATmega32")
	expect(t, exchange(t, e, loadAddress(0x0008), progPage(MemoryEEPROM, data)), 0x14, 0x10, 0x14, 0x10)

	if got := target.EEPROM[0x10:0x18]; !bytes.Equal(got, data) {
		t.Errorf("eeprom = %q, want %q", got, data)
	}
	commits := target.EEpromCommits()
	if len(commits) != 2 || commits[0] != 0x10 || commits[1] != 0x14 {
		t.Errorf("eeprom commits = %v, want [16 20]", commits)
	}

	reply := exchange(t, e, loadAddress(0x0008), readPage(MemoryEEPROM, len(data)))
	want := append([]byte{0x14, 0x10, 0x14}, data...)
	want = append(want, 0x10)
	expect(t, reply, want...)
}

func TestEngine_EEpromTooLarge(t *testing.T) {
	e, target := newTestEngine(t)
	params := atmega328p
	params.EEPROMSize = 4
	expect(t, exchange(t, e, setDevice(params), enterProgmode()), 0x14, 0x10, 0x14, 0x10)

	reply := exchange(t, e, loadAddress(0), progPage(MemoryEEPROM, pattern(8)), command(byte(CommandGetSync)))
	expect(t, reply, 0x14, 0x10, 0x14, 0x11, 0x14, 0x10)
	if got := countInstruction(target.Frames(), 0xC1); got != 0 {
		t.Errorf("eeprom loads = %d, want 0", got)
	}
	if got := e.Status(); got != StatusError {
		t.Errorf("Status() = %v, want %v", got, StatusError)
	}
}

func TestEngine_ReadPageErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	ready(t, e)

	expect(t, exchange(t, e, []byte{byte(CommandReadPage), 0x01, 0x01}), 0x11)
	expect(t, exchange(t, e, readPage('X', 4)), 0x14, 0x11)
}

func TestEngine_ReadPageBusError(t *testing.T) {
	e, target := newTestEngine(t)
	ready(t, e)
	target.FailTransfer = errors.New("bus fault")

	expect(t, exchange(t, e, loadAddress(0)), 0x14, 0x10)
	expect(t, exchange(t, e, readPage(MemoryFlash, 4)), 0x14, 0x00, 0x00, 0x00, 0x00, 0x11)
}

func TestEngine_EOF(t *testing.T) {
	e, _ := newTestEngine(t)
	var out bytes.Buffer
	rw := bufio.NewReadWriter(bufio.NewReader(bytes.NewReader(nil)), bufio.NewWriter(&out))
	if err := e.Process(rw); !errors.Is(err, io.EOF) {
		t.Errorf("Process() error = %v, want io.EOF", err)
	}
}

func TestEngine_EOFMidCommand(t *testing.T) {
	e, _ := newTestEngine(t)
	var out bytes.Buffer
	rw := bufio.NewReadWriter(bufio.NewReader(bytes.NewReader([]byte{byte(CommandLoadAddress), 0x34})), bufio.NewWriter(&out))

	if err := e.Process(rw); !errors.Is(err, io.EOF) {
		t.Fatalf("Process() error = %v, want io.EOF", err)
	}
	rw.Flush()
	if out.Len() != 0 {
		t.Errorf("reply = % X, want nothing", out.Bytes())
	}
	if got := e.Address(); got != 0 {
		t.Errorf("Address() = 0x%04X, want 0", got)
	}
}

func TestStatus_String(t *testing.T) {
	tests := map[Status]string{
		StatusIdle:        "idle",
		StatusProgramMode: "program mode",
		StatusError:       "error",
		StatusDone:        "done",
		Status(42):        "unknown",
	}
	for status, want := range tests {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(status), got, want)
		}
	}
}
