//go:build !windows

package rawinput

import (
	"errors"
	"fmt"

	"github.com/neuroplastio/mousetrail/internal/capturesvc"
	"go.uber.org/zap"
)

// Backend reports raw input as unsupported outside Windows.
type Backend struct {
	log *zap.Logger
}

func NewBackend(log *zap.Logger) *Backend {
	return &Backend{log: log}
}

func (b *Backend) Open() error {
	return fmt.Errorf("raw input: %w", errors.ErrUnsupported)
}

func (b *Backend) Pump(emit func(capturesvc.Report)) error {
	return nil
}

func (b *Backend) Close() error {
	return nil
}
