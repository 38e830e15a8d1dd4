package stk500

// Stream errors are sticky: after the first failure reads yield 0 and writes are
// dropped, so a half-received command is answered NOSYNC and never applied.

func (e *Engine) read() byte {
	if e.err != nil {
		return 0
	}
	b, err := e.stream.ReadByte()
	if err != nil {
		e.err = err
		return 0
	}
	return b
}

func (e *Engine) readFull(buffer []byte) {
	for index := range buffer {
		buffer[index] = e.read()
	}
}

func (e *Engine) write(b byte) {
	if e.err != nil {
		return
	}
	e.err = e.stream.WriteByte(b)
}

func (e *Engine) writeString(s string) {
	if e.err != nil {
		return
	}
	_, e.err = e.stream.WriteString(s)
}

/*
 * @Description: 读取命令结束符，正确则应答INSYNC，否则应答NOSYNC
 * @return bool 是否同步
 */
func (e *Engine) insync() bool {
	if e.read() != byte(CrcEOP) {
		e.write(byte(ResponseNoSync))
		return false
	}
	e.write(byte(ResponseInSync))
	return true
}

func (e *Engine) emptyReply() {
	if e.insync() {
		e.write(byte(ResponseOK))
	}
}

func (e *Engine) byteReply(b byte) {
	if e.insync() {
		e.write(b)
		e.write(byte(ResponseOK))
	}
}
