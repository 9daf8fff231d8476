// Package config holds the typed configuration surface for the ETP core:
// one struct per spec §4.9, a Default constructor, and validating mutators.
// Modeled on the teacher's cmd/dns-server Config / internal/chunker
// ChunkerConfig pattern: a plain struct plus a constructor that fills in
// sane defaults, validated via small setter methods rather than a generic
// validation library.
package config

import (
	"fmt"
	"time"
)

// Config is the typed configuration value consumed by every core component.
// Zero values are never used directly — construct with Default() and mutate
// via the With* setters, which validate before applying.
type Config struct {
	ChunkSize int // bytes per chunk

	FecK int // data chunks per FEC block
	FecR int // parity chunks per FEC block

	ManifestInterval time.Duration // sender manifest re-emit period

	InitialWindow int // receiver initial in-flight window
	MaxWindow     int // cap on receiver window

	RetryInitial time.Duration // first retransmit delay
	RetryMax     time.Duration // retransmit cap

	EmitRateInitial float64 // sender starting chunks/sec
	EmitRateMin     float64
	EmitRateMax     float64

	ParityCacheChunks int // max cached parity chunks

	IdleDeadline time.Duration // reception failure after no valid chunk
}

// Default returns the canonical configuration from spec §4.9.
func Default() *Config {
	return &Config{
		ChunkSize:         65536,
		FecK:              223,
		FecR:              32,
		ManifestInterval:  500 * time.Millisecond,
		InitialWindow:     16,
		MaxWindow:         256,
		RetryInitial:      200 * time.Millisecond,
		RetryMax:          5 * time.Second,
		EmitRateInitial:   1000,
		EmitRateMin:       10,
		EmitRateMax:       1e6,
		ParityCacheChunks: 8192,
		IdleDeadline:      30 * time.Second,
	}
}

// WithChunkSize validates and sets ChunkSize.
func (c *Config) WithChunkSize(n int) (*Config, error) {
	if n <= 0 {
		return c, fmt.Errorf("config: chunk_size must be > 0, got %d", n)
	}
	c.ChunkSize = n
	return c, nil
}

// WithFec validates and sets the FEC block parameters.
func (c *Config) WithFec(k, r int) (*Config, error) {
	if k <= 0 {
		return c, fmt.Errorf("config: fec_k must be > 0, got %d", k)
	}
	if r < 0 {
		return c, fmt.Errorf("config: fec_r must be >= 0, got %d", r)
	}
	if k+r > 255 {
		return c, fmt.Errorf("config: fec_k+fec_r must be <= 255, got %d", k+r)
	}
	c.FecK, c.FecR = k, r
	return c, nil
}

// WithManifestInterval validates and sets ManifestInterval.
func (c *Config) WithManifestInterval(d time.Duration) (*Config, error) {
	if d <= 0 {
		return c, fmt.Errorf("config: manifest_interval_ms must be > 0, got %s", d)
	}
	c.ManifestInterval = d
	return c, nil
}

// WithWindow validates and sets the initial and max receiver window.
func (c *Config) WithWindow(initial, max int) (*Config, error) {
	if initial <= 0 {
		return c, fmt.Errorf("config: initial_window must be > 0, got %d", initial)
	}
	if max < initial {
		return c, fmt.Errorf("config: max_window (%d) must be >= initial_window (%d)", max, initial)
	}
	c.InitialWindow, c.MaxWindow = initial, max
	return c, nil
}

// WithRetry validates and sets the retransmit backoff bounds.
func (c *Config) WithRetry(initial, max time.Duration) (*Config, error) {
	if initial <= 0 {
		return c, fmt.Errorf("config: retry_initial_ms must be > 0, got %s", initial)
	}
	if max < initial {
		return c, fmt.Errorf("config: retry_max_ms (%s) must be >= retry_initial_ms (%s)", max, initial)
	}
	c.RetryInitial, c.RetryMax = initial, max
	return c, nil
}

// WithEmitRate validates and sets the sender pacer bounds.
func (c *Config) WithEmitRate(initial, min, max float64) (*Config, error) {
	if min <= 0 {
		return c, fmt.Errorf("config: emit_rate_min must be > 0, got %f", min)
	}
	if max < min {
		return c, fmt.Errorf("config: emit_rate_max (%f) must be >= emit_rate_min (%f)", max, min)
	}
	if initial < min || initial > max {
		return c, fmt.Errorf("config: emit_rate_initial (%f) must be within [%f, %f]", initial, min, max)
	}
	c.EmitRateInitial, c.EmitRateMin, c.EmitRateMax = initial, min, max
	return c, nil
}

// WithParityCacheChunks validates and sets ParityCacheChunks.
func (c *Config) WithParityCacheChunks(n int) (*Config, error) {
	if n <= 0 {
		return c, fmt.Errorf("config: parity_cache_chunks must be > 0, got %d", n)
	}
	c.ParityCacheChunks = n
	return c, nil
}

// WithIdleDeadline validates and sets IdleDeadline.
func (c *Config) WithIdleDeadline(d time.Duration) (*Config, error) {
	if d <= 0 {
		return c, fmt.Errorf("config: idle_deadline_ms must be > 0, got %s", d)
	}
	c.IdleDeadline = d
	return c, nil
}

// NumBlocks returns the number of FEC blocks an object of totalDataChunks
// data chunks splits into under this config's FecK.
func (c *Config) NumBlocks(totalDataChunks int) int {
	if totalDataChunks <= 0 {
		return 0
	}
	return (totalDataChunks + c.FecK - 1) / c.FecK
}
