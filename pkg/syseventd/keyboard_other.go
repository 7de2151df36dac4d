//go:build !linux
// +build !linux

package syseventd

import (
	"errors"

	"go.uber.org/zap"
)

// KeyboardSource is only implemented on Linux
type KeyboardSource struct{}

// NewKeyboardSource always fails outside Linux
func NewKeyboardSource(logger *zap.SugaredLogger, devices []string, bindings *KeyBindings, submit func(Command), verbose bool) (*KeyboardSource, error) {
	return nil, errors.New("keyboard capture is only supported on Linux")
}

// UpdateBindings is a no-op outside Linux
func (ks *KeyboardSource) UpdateBindings(bindings *KeyBindings) {}

// Start is a no-op outside Linux
func (ks *KeyboardSource) Start() {}

// Stop is a no-op outside Linux
func (ks *KeyboardSource) Stop() {}
