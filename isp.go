package isp

import (
	"errors"
	"fmt"
)

// 忙等待超时 / 编程使能握手无回显
var TimeoutError = errors.New("busy poll timeout")
var NoEchoError = errors.New("programming enable not echoed")

type ISP struct {
	Bus    Bus
	Reset  ResetLine
	config Config
}

type Instruction byte

const (
	InstructionProgrammingEnable Instruction = 0xAC // 编程使能，第2字节0x53在第3字节回显
	InstructionLoadFlashLow      Instruction = 0x40 // 装载flash页缓冲低字节
	InstructionLoadFlashHigh     Instruction = 0x48 // 装载flash页缓冲高字节
	InstructionWriteFlashPage    Instruction = 0x4C // 写flash页
	InstructionLoadEEprom        Instruction = 0xC1 // 装载EEPROM页缓冲
	InstructionWriteEEpromPage   Instruction = 0xC2 // 写EEPROM页
	InstructionReadFlashLow      Instruction = 0x20 // 读flash低字节
	InstructionReadFlashHigh     Instruction = 0x28 // 读flash高字节
	InstructionReadEEprom        Instruction = 0xA0 // 读EEPROM
	InstructionReadSignature     Instruction = 0x30 // 读签名字节
	InstructionPollBusy          Instruction = 0xF0 // 查询忙标志 (bit0)
)

const programmingEnableEcho = 0x53

// New 创建ISP驱动
func New(bus Bus, reset ResetLine, opts ...Option) *ISP {
	if bus == nil || reset == nil {
		panic("bus and reset line cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ISP{Bus: bus, Reset: reset, config: cfg}
}

/*
 * @Description: 进入编程模式，复位脉冲+编程使能握手，最多重试 Attempts 次
 * @return error 所有尝试都未回显0x53时返回 NoEchoError
 */
func (t *ISP) EnterProgramMode() error {
	// 先拉低RESET，保证目标芯片引脚处于高阻
	if err := t.Reset.Drive(false); err != nil {
		return err
	}
	if err := t.Bus.Begin(); err != nil {
		return err
	}

	for attempt := 1; attempt <= t.config.Attempts; attempt++ {
		if err := t.pulseReset(); err != nil {
			return err
		}
		rx, err := t.transfer(byte(InstructionProgrammingEnable), programmingEnableEcho, 0x00, 0x00)
		if err != nil {
			return err
		}
		if rx[2] == programmingEnableEcho {
			t.config.Logger.Debug("program mode entered", "attempt", attempt)
			return nil
		}
		t.config.Logger.Debug("programming enable not echoed",
			"attempt", attempt, "echo", fmt.Sprintf("0x%02X", rx[2]))
	}

	return fmt.Errorf("%w after %d attempts", NoEchoError, t.config.Attempts)
}

/*
 * @Description: 退出编程模式，释放总线和RESET
 * @return error
 */
func (t *ISP) ExitProgramMode() error {
	return errors.Join(
		t.Bus.End(),
		t.Reset.Drive(true),
		t.Reset.Release(),
	)
}

/*
 * @Description: 发送4字节指令
 * @return 第4字节传输时收到的数据
 */
func (t *ISP) RawCommand(instruction1, instruction2, instruction3, instruction4 byte) (byte, error) {
	rx, err := t.transfer(instruction1, instruction2, instruction3, instruction4)
	if err != nil {
		return 0, err
	}
	return rx[3], nil
}

/*
 * @Description: 写flash页缓冲，先低字节后高字节，不提交
 * @param address 字地址
 */
func (t *ISP) WriteFlash(address uint16, data uint16) error {
	if _, err := t.RawCommand(byte(InstructionLoadFlashLow), byte(address>>8), byte(address), byte(data)); err != nil {
		return err
	}
	_, err := t.RawCommand(byte(InstructionLoadFlashHigh), byte(address>>8), byte(address), byte(data>>8))
	return err
}

/*
 * @Description: 提交flash页并等待空闲
 * @param page 页起始字地址
 * @return error 超时返回 TimeoutError
 */
func (t *ISP) CommitFlash(page uint16) error {
	if _, err := t.RawCommand(byte(InstructionWriteFlashPage), byte(page>>8), byte(page), 0x00); err != nil {
		return err
	}
	return t.WaitIdle()
}

/*
 * @Description: 写EEPROM页缓冲，不提交
 * @param address 字节地址
 */
func (t *ISP) WriteEEprom(address uint16, data byte) error {
	_, err := t.RawCommand(byte(InstructionLoadEEprom), byte(address>>8), byte(address), data)
	return err
}

/*
 * @Description: 提交EEPROM页并等待空闲
 * @param page 页起始字节地址
 */
func (t *ISP) CommitEEprom(page uint16) error {
	if _, err := t.RawCommand(byte(InstructionWriteEEpromPage), byte(page>>8), byte(page), 0x00); err != nil {
		return err
	}
	return t.WaitIdle()
}

/*
 * @Description: 读flash字
 * @param address 字地址
 */
func (t *ISP) ReadFlash(address uint16) (uint16, error) {
	low, err := t.RawCommand(byte(InstructionReadFlashLow), byte(address>>8), byte(address), 0x00)
	if err != nil {
		return 0, err
	}
	high, err := t.RawCommand(byte(InstructionReadFlashHigh), byte(address>>8), byte(address), 0x00)
	if err != nil {
		return 0, err
	}
	return uint16(high)<<8 | uint16(low), nil
}

/*
 * @Description: 读EEPROM字节
 * @param address 字节地址
 */
func (t *ISP) ReadEEprom(address uint16) (byte, error) {
	return t.RawCommand(byte(InstructionReadEEprom), byte(address>>8), byte(address), 0xFF)
}

/*
 * @Description: 读取3字节签名，高字节在前
 * @return signature 0x00XXYYZZ
 */
func (t *ISP) ReadSignature() (signature uint32, err error) {
	for index := byte(0); index < 3; index++ {
		b, err := t.RawCommand(byte(InstructionReadSignature), 0x00, index, 0x00)
		if err != nil {
			return 0, err
		}
		signature = signature<<8 | uint32(b)
	}
	return signature, nil
}
