// Package qpack decodes header blocks whose dynamic table references may
// arrive before the entries they name. A reference to a missing entry
// suspends only the header field that needs it; the rest of the block keeps
// decoding and the field is emitted once the entry is inserted.
package qpack

import (
	"io"
	"log"
	"time"

	"github.com/FumingPower3925/qpackd/internal/buffer"
	"github.com/FumingPower3925/qpackd/internal/table"
)

// DefaultLookupTimeout bounds how long a header field waits for a dynamic
// entry, and how long a deletion waits for its references to drain.
const DefaultLookupTimeout = 5 * time.Second

// Config holds the decoder configuration options.
type Config struct {
	TableCapacity   uint32        // Dynamic table capacity in bytes
	MaxUncompressed uint32        // Maximum decoded length of a single literal
	LookupTimeout   time.Duration // Bound on waiting for a dynamic entry or a deletion
	Logger          *log.Logger   // Logger for decode errors
	TracerName      string        // OpenTelemetry tracer name (default: "qpack")
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		TableCapacity:   table.DefaultCapacity,
		MaxUncompressed: buffer.DefaultMaxUncompressed,
		LookupTimeout:   DefaultLookupTimeout,
		Logger:          newSilentLogger(),
		TracerName:      "qpack",
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.TableCapacity == 0 {
		c.TableCapacity = table.DefaultCapacity
	}
	if c.MaxUncompressed == 0 {
		c.MaxUncompressed = buffer.DefaultMaxUncompressed
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = DefaultLookupTimeout
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.TracerName == "" {
		c.TracerName = "qpack"
	}
	return nil
}
