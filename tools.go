package isp

import (
	"time"
)

func (t *ISP) transfer(instruction1, instruction2, instruction3, instruction4 byte) ([4]byte, error) {
	var rx [4]byte
	tx := [4]byte{instruction1, instruction2, instruction3, instruction4}
	if err := t.Bus.Transfer(tx[:], rx[:]); err != nil {
		return rx, err
	}
	return rx, nil
}

/*
 * @Description: RESET 低->高->低 脉冲，然后等待芯片就绪
 * @receiver t
 * @return error
 */
func (t *ISP) pulseReset() error {
	if err := t.Reset.Drive(true); err != nil {
		return err
	}
	time.Sleep(t.config.ResetPulse)
	if err := t.Reset.Drive(false); err != nil {
		return err
	}
	time.Sleep(t.config.ResetSettle)
	return nil
}

/*
 * @Description: 轮询忙标志直到清零
 * @return error 超过 IdleTimeout 返回 TimeoutError
 */
func (t *ISP) WaitIdle() error {
	timeout := time.After(t.config.IdleTimeout)
	for {
		select {
		case <-timeout:
			t.config.Logger.Error("target stayed busy", "timeout", t.config.IdleTimeout.String())
			return TimeoutError
		default:
			status, err := t.RawCommand(byte(InstructionPollBusy), 0x00, 0x00, 0x00)
			if err != nil {
				return err
			}
			if status&0x01 == 0 {
				return nil
			}
		}
	}
}
