package stk500

// Command 命令字节
type Command byte

const (
	CommandGetSync       Command = 0x30 // 同步
	CommandGetSignOn     Command = 0x31 // 获取标识字符串
	CommandGetParameter  Command = 0x41 // 读取参数
	CommandSetDevice     Command = 0x42 // 设置器件参数
	CommandSetDeviceExt  Command = 0x45 // 设置扩展器件参数
	CommandEnterProgmode Command = 0x50 // 进入编程模式
	CommandLeaveProgmode Command = 0x51 // 退出编程模式
	CommandLoadAddress   Command = 0x55 // 设置字地址 (小端)
	CommandUniversal     Command = 0x56 // 4字节原始SPI指令
	CommandProgPage      Command = 0x64 // 写页
	CommandReadPage      Command = 0x74 // 读页
	CommandReadSign      Command = 0x75 // 读签名
	CrcEOP               Command = 0x20 // 命令结束符
)

// Response 应答字节
type Response byte

const (
	ResponseOK      Response = 0x10
	ResponseFailed  Response = 0x11
	ResponseUnknown Response = 0x12
	ResponseInSync  Response = 0x14
	ResponseNoSync  Response = 0x15
)

// Parameter ids for GET_PARAMETER.
const (
	ParameterHardwareVersion byte = 0x80
	ParameterSoftwareMajor   byte = 0x81
	ParameterSoftwareMinor   byte = 0x82
	ParameterProgMode        byte = 0x93
)

const (
	HardwareVersion = 2
	SoftwareMajor   = 1
	SoftwareMinor   = 18

	// SignOnMessage is sent between INSYNC and OK in reply to GET_SIGN_ON.
	SignOnMessage = "AVR STK"

	// ProgModeSerial is the GET_PARAMETER(ProgMode) answer of a serial programmer.
	ProgModeSerial = 'S'
)

// MaxPageLength caps a single PROG_PAGE/READ_PAGE transfer.
const MaxPageLength = 256

// Memory type selectors of PROG_PAGE/READ_PAGE.
const (
	MemoryFlash  byte = 'F'
	MemoryEEPROM byte = 'E'
)
