package trail

import (
	"fmt"
	"time"

	"github.com/neuroplastio/mousetrail/internal/motion"
	"github.com/neuroplastio/mousetrail/internal/streamsvc"
)

// Config holds the runtime settings. Only Port is exposed on the command line;
// the rest keep their defaults outside of tests.
type Config struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	BufferCapacity int           `json:"bufferCapacity"`
	TickInterval   time.Duration `json:"tickInterval"`
	PollInterval   time.Duration `json:"pollInterval"`
	SendTimeout    time.Duration `json:"sendTimeout"`
}

func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           streamsvc.DefaultPort,
		BufferCapacity: motion.DefaultCapacity,
		TickInterval:   time.Second / 60,
		PollInterval:   time.Millisecond,
		SendTimeout:    time.Second,
	}
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.BufferCapacity < 1 {
		return fmt.Errorf("buffer capacity must be positive, got %d", c.BufferCapacity)
	}
	if c.TickInterval <= 0 || c.PollInterval <= 0 || c.SendTimeout <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	return nil
}
