package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"

	isp "github.com/tocurd/go-avrisp"
)

// DefaultAddr is the port used by network AVR ISP programmers.
const DefaultAddr = ":328"

type Config struct {
	Logger isp.Logger
}

type Option func(*Config)

func WithLogger(logger isp.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// Server accepts TCP clients and serves them one at a time; later clients
// wait in the listen backlog.
type Server struct {
	Addr      string
	Processor Processor
	config    Config
}

func NewServer(addr string, p Processor, opts ...Option) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	cfg := Config{Logger: isp.NopLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{Addr: addr, Processor: p, config: cfg}
}

// ListenAndServe listens on s.Addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := listenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.Addr)
	}
	return s.Serve(ctx, ln)
}

/*
 * @Description: 接受连接并逐个处理，ctx取消后关闭监听并返回
 * @param ln 监听器，返回时关闭
 * @return error ctx取消时返回nil
 */
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		ln.Close()
	}()

	s.config.Logger.Info("listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}

		remote := conn.RemoteAddr().String()
		s.config.Logger.Info("client connected", "remote", remote)
		err = ServeConn(ctx, conn, s.Processor)
		conn.Close()
		if err != nil && ctx.Err() == nil {
			s.config.Logger.Error("client session", "remote", remote, "error", err)
		}
		s.config.Logger.Info("client disconnected", "remote", remote)

		if ctx.Err() != nil {
			return nil
		}
	}
}
