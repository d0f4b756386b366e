package config

import (
	"errors"
	"os"
	"time"
)

// Config holds all configuration for the backup receiver.
type Config struct {
	// Network settings
	Port int `json:"port"` // 0 picks an ephemeral port

	// Destination for completed backup files
	OutputDir string `json:"output_dir"`

	// DeviceName is advertised over mDNS and reported in state snapshots
	DeviceName string `json:"device_name"`

	// Chunk geometry bounds accepted from file_start messages
	MinChunkSize uint32 `json:"min_chunk_size"`
	MaxChunkSize uint32 `json:"max_chunk_size"`

	// Timeouts
	HandshakeTimeout  time.Duration `json:"handshake_timeout"`  // handshake must arrive within this window after accept
	InactivityTimeout time.Duration `json:"inactivity_timeout"` // drop a connection after this long without a parsed message
}

const (
	DefaultMinChunkSize = 4 * 1024        // 4KB
	DefaultMaxChunkSize = 4 * 1024 * 1024 // 4MB
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "lan-backup-receiver"
	}

	return &Config{
		Port:              0,
		OutputDir:         ".",
		DeviceName:        hostname,
		MinChunkSize:      DefaultMinChunkSize,
		MaxChunkSize:      DefaultMaxChunkSize,
		HandshakeTimeout:  30 * time.Second,
		InactivityTimeout: 60 * time.Second,
	}
}

// Validate checks if the configuration values are valid.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.New("port must be between 0 and 65535")
	}
	if c.OutputDir == "" {
		return errors.New("output_dir cannot be empty")
	}
	if c.DeviceName == "" {
		return errors.New("device_name cannot be empty")
	}
	if c.MinChunkSize == 0 {
		return errors.New("min_chunk_size must be positive")
	}
	if c.MaxChunkSize == 0 {
		return errors.New("max_chunk_size must be positive")
	}
	if c.MinChunkSize > c.MaxChunkSize {
		return errors.New("min_chunk_size cannot be greater than max_chunk_size")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake_timeout must be positive")
	}
	if c.InactivityTimeout <= 0 {
		return errors.New("inactivity_timeout must be positive")
	}
	return nil
}

// IsValidChunkSize checks if a declared chunk size is within acceptable
// bounds.
func (c *Config) IsValidChunkSize(chunkSize uint32) bool {
	return chunkSize >= c.MinChunkSize && chunkSize <= c.MaxChunkSize
}
