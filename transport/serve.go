// Package transport connects the STK500 engine to byte channels: serial
// ports and TCP clients.
package transport

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/tocurd/go-avrisp/stk500"
)

// Processor services exactly one command per call. *stk500.Engine and *Guard implement it.
type Processor interface {
	Process(stream stk500.Stream) error
}

/*
 * @Description: 循环处理命令直到连接关闭
 * @param ctx 取消后在下一条命令前返回
 * @param rw 字节流
 * @param p
 * @return error 连接正常关闭(io.EOF)返回nil
 */
func Serve(ctx context.Context, rw io.ReadWriter, p Processor) error {
	stream := bufio.NewReadWriter(bufio.NewReader(rw), bufio.NewWriter(rw))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// wait for the host outside Process so a Guard is not held while idle
		if _, err := stream.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "read command")
		}

		err := p.Process(stream)
		if flushErr := stream.Flush(); err == nil {
			err = flushErr
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "process command")
		}
	}
}

// ServeConn is Serve for a closable channel; cancelling ctx closes conn to
// unblock a pending read. The caller still owns conn.
func ServeConn(ctx context.Context, conn io.ReadWriteCloser, p Processor) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return Serve(ctx, conn, p)
}

// Guard serializes Process calls so several channels can share one engine.
type Guard struct {
	mu sync.Mutex
	p  Processor
}

func NewGuard(p Processor) *Guard {
	return &Guard{p: p}
}

func (g *Guard) Process(stream stk500.Stream) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.p.Process(stream)
}
