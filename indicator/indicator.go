// Package indicator shows the programming session status on two lights.
package indicator

import (
	"context"
	"errors"
	"time"

	isp "github.com/tocurd/go-avrisp"
	"github.com/tocurd/go-avrisp/stk500"
)

// Light is a two-state output. *gpio.LedDriver satisfies it.
type Light interface {
	On() error
	Off() error
}

// StatusSource reports the session status. *stk500.Engine satisfies it.
type StatusSource interface {
	Status() stk500.Status
}

type inverted struct {
	Light
}

func (l inverted) On() error  { return l.Light.Off() }
func (l inverted) Off() error { return l.Light.On() }

// ActiveLow returns a Light that is lit when l is driven low.
func ActiveLow(l Light) Light {
	return inverted{l}
}

// lamp remembers the last written state so a light is only written on change.
type lamp struct {
	light Light
	known bool
	lit   bool
}

func (l *lamp) set(lit bool) error {
	if l.light == nil || (l.known && l.lit == lit) {
		return nil
	}
	l.known, l.lit = true, lit
	if lit {
		return l.light.On()
	}
	return l.light.Off()
}

// Indicator maps the session status onto the lights:
//
//	program mode   programming light blinks
//	done           programming light on
//	error          error light on
type Indicator struct {
	source      StatusSource
	programming lamp
	failure     lamp
	config      Config

	// next blink toggle; tracks now while not in program mode
	next time.Time
}

/*
 * @Description: 创建状态指示
 * @param source 状态来源
 * @param programming 编程指示灯
 * @param failure 错误指示灯，可为nil
 * @return *Indicator
 */
func New(source StatusSource, programming, failure Light, opts ...Option) *Indicator {
	if source == nil {
		panic("source cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Indicator{
		source:      source,
		programming: lamp{light: programming},
		failure:     lamp{light: failure},
		config:      cfg,
	}
}

// Update samples the status once and sets both lights for time now.
func (ind *Indicator) Update(now time.Time) error {
	status := ind.source.Status()

	lit := ind.programming.lit
	if status != stk500.StatusProgramMode {
		ind.next = now
		lit = status == stk500.StatusDone
	} else if !now.Before(ind.next) {
		ind.next = now.Add(ind.config.Blink)
		lit = !lit
	}

	return errors.Join(
		ind.programming.set(lit),
		ind.failure.set(status == stk500.StatusError),
	)
}

/*
 * @Description: 按Poll周期刷新指示灯，直到ctx取消；退出时熄灭所有灯
 * @param ctx
 * @return error 总是返回nil，写灯失败只记录日志
 */
func (ind *Indicator) Run(ctx context.Context) error {
	ticker := time.NewTicker(ind.config.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := errors.Join(ind.programming.set(false), ind.failure.set(false)); err != nil {
				ind.config.Logger.Error("turn off lights", "error", err)
			}
			return nil
		case now := <-ticker.C:
			if err := ind.Update(now); err != nil {
				ind.config.Logger.Error("update lights", "error", err)
			}
		}
	}
}

// Config holds the indicator timing.
type Config struct {
	// Blink is the programming light toggle period in program mode
	Blink time.Duration

	// Poll is how often Run samples the status
	Poll time.Duration

	Logger isp.Logger
}

func defaultConfig() Config {
	return Config{
		Blink:  250 * time.Millisecond,
		Poll:   10 * time.Millisecond,
		Logger: isp.NopLogger(),
	}
}

// Option configures an Indicator.
type Option func(*Config)

func WithBlink(period time.Duration) Option {
	return func(c *Config) {
		if period > 0 {
			c.Blink = period
		}
	}
}

func WithPoll(period time.Duration) Option {
	return func(c *Config) {
		if period > 0 {
			c.Poll = period
		}
	}
}

func WithLogger(logger isp.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}
