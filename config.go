package hsprobe

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Config holds the probe's clock and peripheral settings.
type Config struct {
	CoreFrequency CoreFrequency
	SPIFrequency  physic.Frequency // upper bound, SPI5 picks the nearest divider below
	SPIMode       spi.Mode
	SWDFrequency  physic.Frequency // upper bound for SWCLK
	SWOBaudRate   uint32
	SWOBufferLen  int
}

// Option is a functional option for configuring a probe
type Option func(*Config) error

// DefaultConfig returns the configuration used by the firmware.
func DefaultConfig() Config {
	return Config{
		CoreFrequency: F216MHz,
		SPIFrequency:  25 * physic.MegaHertz,
		SPIMode:       spi.Mode0,
		SWDFrequency:  10 * physic.MegaHertz,
		SWOBaudRate:   1_000_000,
		SWOBufferLen:  8192,
	}
}

// WithCoreFrequency sets the system clock
func WithCoreFrequency(f CoreFrequency) Option {
	return func(c *Config) error {
		if f.sysclk() == 0 {
			return fmt.Errorf("%w: core frequency %d", ErrInvalidConfig, f)
		}
		c.CoreFrequency = f
		return nil
	}
}

// WithSPIFrequency sets the maximum passthrough clock
func WithSPIFrequency(f physic.Frequency) Option {
	return func(c *Config) error {
		if f <= 0 {
			return fmt.Errorf("%w: SPI frequency %s", ErrInvalidConfig, f)
		}
		c.SPIFrequency = f
		return nil
	}
}

// WithSPIMode sets clock polarity and phase
func WithSPIMode(m spi.Mode) Option {
	return func(c *Config) error {
		if m&^spi.Mode3 != 0 {
			return fmt.Errorf("%w: SPI mode %s", ErrInvalidConfig, m)
		}
		c.SPIMode = m
		return nil
	}
}

// WithSWDFrequency sets the maximum SWCLK rate
func WithSWDFrequency(f physic.Frequency) Option {
	return func(c *Config) error {
		if f <= 0 {
			return fmt.Errorf("%w: SWD frequency %s", ErrInvalidConfig, f)
		}
		c.SWDFrequency = f
		return nil
	}
}

// WithSWOBaudRate sets the initial trace baud rate
func WithSWOBaudRate(baud uint32) Option {
	return func(c *Config) error {
		if baud == 0 {
			return fmt.Errorf("%w: SWO baud rate 0", ErrInvalidConfig)
		}
		c.SWOBaudRate = baud
		return nil
	}
}

// WithSWOBufferLen sets the size of the circular trace buffer. The DMA
// counter limits it to 65535 bytes.
func WithSWOBufferLen(n int) Option {
	return func(c *Config) error {
		if n <= 0 || n > maxDMATransfer {
			return fmt.Errorf("%w: SWO buffer length %d", ErrInvalidConfig, n)
		}
		c.SWOBufferLen = n
		return nil
	}
}
