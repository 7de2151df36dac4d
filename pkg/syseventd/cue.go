package syseventd

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/cephalopo/syseventd/pkg/syseventd/util"
)

// Cue identifies one of the short sounds played after an operation
type Cue int

const (
	CueVolume Cue = iota
	CueSwitch
)

func (c Cue) String() string {
	if c == CueSwitch {
		return "switch"
	}

	return "volume"
}

const (
	defaultSoundPlayer = "paplay"
	defaultVolumeSound = "/usr/share/sounds/freedesktop/stereo/message.oga"
	defaultSwitchSound = "/usr/share/sounds/freedesktop/stereo/dialog-warning.oga"
)

// CuePlayer plays a cue and returns once playback is over
type CuePlayer interface {
	Play(ctx context.Context, cue Cue) error
}

// CommandCuePlayer plays sound files through an external player such as paplay or pw-play.
// When the file or the player is missing it falls back to a plain beep
type CommandCuePlayer struct {
	logger *zap.SugaredLogger
	player func() string
	sounds func(cue Cue) string
}

// NewCommandCuePlayer creates a cue player. Both lookups are evaluated on every play so
// config reloads take effect immediately
func NewCommandCuePlayer(logger *zap.SugaredLogger, player func() string, sounds func(cue Cue) string) *CommandCuePlayer {
	logger = logger.Named("cues")

	cp := &CommandCuePlayer{
		logger: logger,
		player: player,
		sounds: sounds,
	}

	logger.Debug("Created cue player instance")

	return cp
}

// Play blocks until the sound finished playing or ctx is done
func (cp *CommandCuePlayer) Play(ctx context.Context, cue Cue) error {
	player := cp.player()
	if player == "" {
		player = defaultSoundPlayer
	}

	file := cp.sounds(cue)

	if file == "" || !util.FileExists(file) || !util.CommandAvailable(player) {
		cp.logger.Debugw("Sound file or player unavailable, beeping instead",
			"cue", cue, "file", file, "player", player)

		if err := beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration); err != nil {
			return fmt.Errorf("%w: beep: %v", ErrSideEffect, err)
		}

		return nil
	}

	cmd := exec.CommandContext(ctx, player, file)
	if err := cmd.Run(); err != nil {
		cp.logger.Warnw("Failed to play cue", "cue", cue, "player", player, "file", file, "error", err)
		return fmt.Errorf("%w: play %s cue: %v", ErrSideEffect, cue, err)
	}

	cp.logger.Debugw("Played cue", "cue", cue, "file", file)
	return nil
}
