package syseventd

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// BusClient calls a running daemon's trigger methods over the session bus
type BusClient struct {
	obj dbus.BusObject
}

// NewBusClient binds to the daemon's object on the given connection
func NewBusClient(conn *dbus.Conn) *BusClient {
	return &BusClient{
		obj: conn.Object(ServiceName, ServicePath),
	}
}

// Volume sends a volume change: 1 up, 0 toggle mute, -1 down
func (bc *BusClient) Volume(change int) error {
	return bc.call("Volume", int32(change))
}

// MicrophoneToggle toggles the default source's mute flag
func (bc *BusClient) MicrophoneToggle() error {
	return bc.call("MicrophoneToggle")
}

// SwitchSoundCard moves to another default sink
func (bc *BusClient) SwitchSoundCard() error {
	return bc.call("SwitchSoundCard")
}

func (bc *BusClient) call(method string, args ...interface{}) error {
	if err := bc.obj.Call(ServiceInterface+"."+method, 0, args...).Err; err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}

	return nil
}

// ParseVolumeChange maps the command line words up, down and mute to the
// numeric change the Volume method expects
func ParseVolumeChange(word string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(word)) {
	case "up", "+", "1":
		return 1, nil
	case "mute", "0":
		return 0, nil
	case "down", "-", "-1":
		return -1, nil
	default:
		return 0, fmt.Errorf("unknown volume change %q (want up, down or mute)", word)
	}
}
