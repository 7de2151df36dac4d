package syseventd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/thoas/go-funk"
)

// Linux input event types and values (from <linux/input.h>)
const (
	evKey = 0x01

	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// keyCodes maps the KEY_* names accepted in the config file to their codes
var keyCodes = map[string]uint16{
	"ESC":          1,
	"A":            30,
	"S":            31,
	"D":            32,
	"M":            50,
	"SPACE":        57,
	"F1":           59,
	"F2":           60,
	"F3":           61,
	"F4":           62,
	"F5":           63,
	"F6":           64,
	"F7":           65,
	"F8":           66,
	"F9":           67,
	"F10":          68,
	"F11":          87,
	"F12":          88,
	"LEFTCTRL":     29,
	"LEFTSHIFT":    42,
	"RIGHTSHIFT":   54,
	"LEFTALT":      56,
	"RIGHTCTRL":    97,
	"RIGHTALT":     100,
	"MUTE":         113,
	"VOLUMEDOWN":   114,
	"VOLUMEUP":     115,
	"LEFTMETA":     125,
	"RIGHTMETA":    126,
	"NEXTSONG":     163,
	"PLAYPAUSE":    164,
	"PREVIOUSSONG": 165,
	"STOPCD":       166,
	"F13":          183,
	"F14":          184,
	"F15":          185,
	"F16":          186,
	"F17":          187,
	"F18":          188,
	"F19":          189,
	"F20":          190,
	"MICMUTE":      248,
}

// ParseKeyCode accepts a key name with or without the KEY_ prefix, or a raw numeric code
func ParseKeyCode(name string) (uint16, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	normalized = strings.TrimPrefix(normalized, "KEY_")

	if code, ok := keyCodes[normalized]; ok {
		return code, nil
	}

	if code, err := strconv.ParseUint(normalized, 10, 16); err == nil && code > 0 {
		return uint16(code), nil
	}

	return 0, fmt.Errorf("unknown key %q", name)
}

// KeyBindings is the validated key -> command table plus the device switch combo
type KeyBindings struct {
	keys      map[uint16]Command
	modifiers []uint16
	trigger   uint16
}

// NewKeyBindings builds and validates the table. Unknown keys or commands, a
// key bound twice or a combo trigger that is also a plain binding are errors
func NewKeyBindings(bindings map[string]string, switchCombo []string) (*KeyBindings, error) {
	kb := &KeyBindings{
		keys: make(map[uint16]Command, len(bindings)),
	}

	for keyName, cmdName := range bindings {
		code, err := ParseKeyCode(keyName)
		if err != nil {
			return nil, err
		}

		cmd, err := ParseCommand(cmdName)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", keyName, err)
		}

		if existing, ok := kb.keys[code]; ok {
			return nil, fmt.Errorf("key %s (code %d) bound twice: %s and %s", keyName, code, existing, cmd)
		}

		kb.keys[code] = cmd
	}

	if len(switchCombo) > 0 {
		codes := make([]int, 0, len(switchCombo))
		for _, keyName := range switchCombo {
			code, err := ParseKeyCode(keyName)
			if err != nil {
				return nil, fmt.Errorf("switch combo: %w", err)
			}

			if funk.ContainsInt(codes, int(code)) {
				return nil, fmt.Errorf("switch combo: key %s listed twice", keyName)
			}

			codes = append(codes, int(code))
		}

		kb.trigger = uint16(codes[len(codes)-1])
		for _, code := range codes[:len(codes)-1] {
			kb.modifiers = append(kb.modifiers, uint16(code))
		}

		if cmd, ok := kb.keys[kb.trigger]; ok && len(kb.modifiers) == 0 {
			return nil, fmt.Errorf("switch combo key %d is already bound to %s", kb.trigger, cmd)
		}
	}

	return kb, nil
}

// Lookup returns the command bound to a single key
func (kb *KeyBindings) Lookup(code uint16) (Command, bool) {
	cmd, ok := kb.keys[code]
	return cmd, ok
}

func (kb *KeyBindings) String() string {
	codes := make([]int, 0, len(kb.keys))
	for code := range kb.keys {
		codes = append(codes, int(code))
	}
	sort.Ints(codes)

	parts := make([]string, 0, len(codes))
	for _, code := range codes {
		parts = append(parts, fmt.Sprintf("%d=%s", code, kb.keys[uint16(code)]))
	}

	return fmt.Sprintf("<%d keys bound [%s], switch combo %v+%d>", len(kb.keys), strings.Join(parts, " "), kb.modifiers, kb.trigger)
}

// keyTracker follows pressed keys across all devices and resolves key releases into commands
type keyTracker struct {
	lock     sync.Mutex
	bindings *KeyBindings
	pressed  map[uint16]bool
}

func newKeyTracker(bindings *KeyBindings) *keyTracker {
	return &keyTracker{
		bindings: bindings,
		pressed:  make(map[uint16]bool),
	}
}

// SetBindings swaps the table, e.g. after a config reload
func (kt *keyTracker) SetBindings(bindings *KeyBindings) {
	kt.lock.Lock()
	defer kt.lock.Unlock()

	kt.bindings = bindings
}

// Handle feeds one EV_KEY event and returns the command to run, if any.
// Commands fire on release so a held key doesn't trigger twice
func (kt *keyTracker) Handle(code uint16, value int32) (Command, bool) {
	kt.lock.Lock()
	defer kt.lock.Unlock()

	switch value {
	case evValuePress:
		kt.pressed[code] = true
		return CommandNone, false

	case evValueRelease:
		defer delete(kt.pressed, code)

		if kt.bindings == nil {
			return CommandNone, false
		}

		if kt.comboHeld(code) {
			return CommandSwitchOutput, true
		}

		return kt.bindings.Lookup(code)

	default:
		return CommandNone, false
	}
}

func (kt *keyTracker) comboHeld(code uint16) bool {
	if kt.bindings.trigger == 0 || code != kt.bindings.trigger {
		return false
	}

	for _, modifier := range kt.bindings.modifiers {
		if !kt.pressed[modifier] {
			return false
		}
	}

	return true
}
