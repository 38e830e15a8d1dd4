package isp

import "time"

// Config holds the driver timing and retry policy.
type Config struct {
	// IdleTimeout bounds the busy poll after a page commit
	IdleTimeout time.Duration

	// Attempts is the number of reset-pulse/handshake tries in EnterProgramMode
	Attempts int

	// ResetPulse is how long RESET is held high during each attempt
	ResetPulse time.Duration

	// ResetSettle is the wait after pulling RESET low before the handshake
	ResetSettle time.Duration

	Logger Logger
}

func defaultConfig() Config {
	return Config{
		IdleTimeout: 100 * time.Millisecond,
		Attempts:    5,
		ResetPulse:  5 * time.Microsecond,
		ResetSettle: 20 * time.Millisecond,
		Logger:      NopLogger(),
	}
}

// Option configures an ISP driver.
type Option func(*Config)

// WithIdleTimeout sets the bound on the busy poll that follows a page commit.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.IdleTimeout = timeout
		}
	}
}

// WithAttempts sets how many times the programming-enable handshake is tried.
func WithAttempts(attempts int) Option {
	return func(c *Config) {
		if attempts > 0 {
			c.Attempts = attempts
		}
	}
}

// WithResetTiming sets the RESET pulse width and the settle time after it.
func WithResetTiming(pulse, settle time.Duration) Option {
	return func(c *Config) {
		c.ResetPulse = pulse
		c.ResetSettle = settle
	}
}

// WithLogger sets a logger for the driver.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}
