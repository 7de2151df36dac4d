package syseventd

import (
	"fmt"
	"strings"
)

// Command is one of the logical triggers every event source boils down to
type Command int

const (
	CommandNone Command = iota
	CommandVolumeUp
	CommandVolumeDown
	CommandToggleMute
	CommandToggleMicrophone
	CommandSwitchOutput
)

var commandNames = map[Command]string{
	CommandVolumeUp:         "volume_up",
	CommandVolumeDown:       "volume_down",
	CommandToggleMute:       "mute",
	CommandToggleMicrophone: "mic_mute",
	CommandSwitchOutput:     "switch_output",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}

	return fmt.Sprintf("command(%d)", int(c))
}

// ParseCommand resolves a command name as used in the config file
func ParseCommand(name string) (Command, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))

	for cmd, cmdName := range commandNames {
		if cmdName == normalized {
			return cmd, nil
		}
	}

	return CommandNone, fmt.Errorf("unknown command %q", name)
}
