package stk500

import isp "github.com/tocurd/go-avrisp"

// Config holds the engine identity and logging.
type Config struct {
	// SignOn is the GET_SIGN_ON identification literal
	SignOn string

	HardwareVersion byte
	SoftwareMajor   byte
	SoftwareMinor   byte

	Logger isp.Logger
}

func defaultConfig() Config {
	return Config{
		SignOn:          SignOnMessage,
		HardwareVersion: HardwareVersion,
		SoftwareMajor:   SoftwareMajor,
		SoftwareMinor:   SoftwareMinor,
		Logger:          isp.NopLogger(),
	}
}

// Option configures an Engine.
type Option func(*Config)

// WithLogger sets a logger for the engine.
func WithLogger(logger isp.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithSignOn replaces the GET_SIGN_ON literal.
func WithSignOn(message string) Option {
	return func(c *Config) {
		c.SignOn = message
	}
}

// WithVersion sets the hardware and software versions reported by GET_PARAMETER.
func WithVersion(hardware, major, minor byte) Option {
	return func(c *Config) {
		c.HardwareVersion = hardware
		c.SoftwareMajor = major
		c.SoftwareMinor = minor
	}
}
