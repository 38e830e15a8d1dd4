package isp

// Interface 目标AVR芯片的ISP编程原语
type Interface interface {
	// 进入编程模式
	EnterProgramMode() error

	// 退出编程模式
	ExitProgramMode() error

	// 发送4字节原始指令，返回第4字节对应的回读
	RawCommand(instruction1, instruction2, instruction3, instruction4 byte) (byte, error)

	// 写入flash页缓冲（字地址）
	WriteFlash(address uint16, data uint16) error

	// 提交flash页
	CommitFlash(page uint16) error

	// 写入EEPROM页缓冲（字节地址）
	WriteEEprom(address uint16, data byte) error

	// 提交EEPROM页
	CommitEEprom(page uint16) error

	// 读取flash字
	ReadFlash(address uint16) (uint16, error)

	// 读取EEPROM字节
	ReadEEprom(address uint16) (byte, error)

	// 读取芯片签名
	ReadSignature() (uint32, error)
}

// Bus SPI总线，全双工
type Bus interface {
	// 打开总线 (mode 0, 低速时钟)
	Begin() error

	// 发送tx的同时把收到的字节写入rx，len(rx) == len(tx)
	Transfer(tx []byte, rx []byte) error

	// 释放总线
	End() error
}

// ResetLine 目标芯片的RESET引脚，低电平有效
type ResetLine interface {
	// 输出高/低电平
	Drive(high bool) error

	// 释放引脚（输入/高阻）
	Release() error
}

// Logger is an optional logging interface. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }
