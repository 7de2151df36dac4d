package syseventd

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// VolumeDirection is the sign of a volume step
type VolumeDirection int

const (
	VolumeDecrease VolumeDirection = -1
	VolumeIncrease VolumeDirection = 1
)

func (d VolumeDirection) String() string {
	switch d {
	case VolumeIncrease:
		return "increase"
	case VolumeDecrease:
		return "decrease"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// MuteTarget picks the default output (sink) or the default input (source)
type MuteTarget int

const (
	MuteOutput MuteTarget = iota
	MuteInput
)

func (t MuteTarget) String() string {
	if t == MuteInput {
		return "input"
	}

	return "output"
}

func (t MuteTarget) kind() DeviceKind {
	if t == MuteInput {
		return DeviceSource
	}

	return DeviceSink
}

const (
	// fraction of full scale per volume key press
	defaultVolumeStep = 0.03

	// how many times the switch cue is played
	switchCueRepeats = 2
)

// state ids published to the relay
const (
	stateVolume      = "volume"
	stateMute        = "mute"
	stateMicMute     = "mic_mute"
	stateDefaultSink = "default_sink"
)

// VolumePolicy supplies the tunables that volume changes consult on every call
type VolumePolicy interface {
	VolumeStep() float64
	IsExcluded(deviceName string) bool
}

// StatePublisher receives every applied state change, e.g. to relay it to OSD clients
type StatePublisher interface {
	PublishState(id string, value interface{})
}

type nopStatePublisher struct{}

func (nopStatePublisher) PublishState(string, interface{}) {}

// DeviceCoordinator applies volume, mute and default device changes against the
// audio server. Each operation opens its own session, re-reads every device it
// touches and closes the session before playing any cue. Callers must not run
// operations concurrently; the Worker takes care of that
type DeviceCoordinator struct {
	logger *zap.SugaredLogger

	client        AudioSessionClient
	policy        VolumePolicy
	notifications *notificationSink
	indicator     Indicator
	cues          CuePlayer
	effects       *effectDispatcher
	state         StatePublisher
}

// NewDeviceCoordinator wires the coordinator to its collaborators. state may be nil
func NewDeviceCoordinator(
	logger *zap.SugaredLogger,
	client AudioSessionClient,
	policy VolumePolicy,
	notifications *notificationSink,
	indicator Indicator,
	cues CuePlayer,
	effects *effectDispatcher,
	state StatePublisher,
) *DeviceCoordinator {
	logger = logger.Named("coordinator")

	if state == nil {
		state = nopStatePublisher{}
	}

	c := &DeviceCoordinator{
		logger:        logger,
		client:        client,
		policy:        policy,
		notifications: notifications,
		indicator:     indicator,
		cues:          cues,
		effects:       effects,
		state:         state,
	}

	logger.Debug("Created device coordinator instance")

	return c
}

// AdjustVolume moves the default sink's volume one step in the given direction.
// Excluded devices are left alone without an error
func (c *DeviceCoordinator) AdjustVolume(ctx context.Context, direction VolumeDirection) error {
	if direction != VolumeIncrease && direction != VolumeDecrease {
		return fmt.Errorf("adjust volume: invalid direction %d", int(direction))
	}

	level, applied, err := c.applyVolume(ctx, direction)
	if err != nil {
		return fmt.Errorf("adjust volume: %w", err)
	}

	if !applied {
		return nil
	}

	if err := c.indicator.Show(level); err != nil {
		c.logger.Warnw("Failed to show volume indicator", "level", level, "error", err)
	}

	c.state.PublishState(stateVolume, level)

	// blocking on purpose so the next trigger can't overlap the cue
	if err := c.cues.Play(ctx, CueVolume); err != nil {
		c.logger.Warnw("Failed to play volume cue", "error", err)
	}

	return nil
}

func (c *DeviceCoordinator) applyVolume(ctx context.Context, direction VolumeDirection) (int, bool, error) {
	session, err := c.client.Open(ctx)
	if err != nil {
		return 0, false, err
	}
	defer c.closeSession(session)

	sink, err := c.defaultDevice(session, DeviceSink)
	if err != nil {
		return 0, false, err
	}

	if c.policy.IsExcluded(sink.Name) {
		c.logger.Infow("Ignoring volume change on excluded device", "device", sink.Name)
		return 0, false, nil
	}

	current, err := session.GetVolume(sink)
	if err != nil {
		return 0, false, err
	}

	next := applyVolumeDelta(current, direction, c.policy.VolumeStep())

	if err := session.SetVolume(sink, next); err != nil {
		return 0, false, err
	}

	level := volumePercent(next)
	c.logger.Debugw("Set volume", "device", sink.Description, "from", current, "to", next, "level", level)

	return level, true, nil
}

// ToggleMute inverts the mute flag of the default sink or source
func (c *DeviceCoordinator) ToggleMute(ctx context.Context, target MuteTarget) error {
	device, muted, err := c.toggleMute(ctx, target)
	if err != nil {
		return fmt.Errorf("toggle %s mute: %w", target, err)
	}

	c.notifications.Info(muteMessage(target, device, muted))

	if target == MuteInput {
		c.state.PublishState(stateMicMute, muted)
	} else {
		c.state.PublishState(stateMute, muted)
	}

	return nil
}

func (c *DeviceCoordinator) toggleMute(ctx context.Context, target MuteTarget) (Device, bool, error) {
	session, err := c.client.Open(ctx)
	if err != nil {
		return Device{}, false, err
	}
	defer c.closeSession(session)

	device, err := c.defaultDevice(session, target.kind())
	if err != nil {
		return Device{}, false, err
	}

	state, err := session.GetMute(device)
	if err != nil {
		return Device{}, false, err
	}

	var muted bool
	switch state {
	case Muted:
		muted = false
	case Unmuted:
		muted = true
	default:
		c.logger.Errorw("Unknown mute state, leaving device untouched", "device", device.Name, "state", state)
		return Device{}, false, fmt.Errorf("%s %s reported mute state %q: %w", device.Kind, device.Name, state, ErrUnknownDeviceState)
	}

	if err := session.SetMute(device, muted); err != nil {
		return Device{}, false, err
	}

	c.logger.Infow("Toggled mute", "target", target, "device", device.Name, "muted", muted)

	return device, muted, nil
}

type switchResult struct {
	sink   Device
	moved  int
	failed int
}

// SwitchDefaultDevice makes another sink the default and moves every playing
// stream over to it. A stream that fails to move is reported and skipped
func (c *DeviceCoordinator) SwitchDefaultDevice(ctx context.Context) error {
	result, err := c.switchSink(ctx)
	if err != nil {
		if errors.Is(err, ErrNoAlternateDevice) {
			c.notifications.Warn("no different sink from default")
		}

		return fmt.Errorf("switch default device: %w", err)
	}

	c.logger.Infow("Switched default sink",
		"sink", result.sink.Name,
		"movedStreams", result.moved,
		"failedStreams", result.failed)

	c.notifications.Info(fmt.Sprintf("default sink now: %s", result.sink.Description))
	c.state.PublishState(stateDefaultSink, result.sink.Description)

	c.effects.Go("switch cue", func(ctx context.Context) error {
		for i := 0; i < switchCueRepeats; i++ {
			if err := c.cues.Play(ctx, CueSwitch); err != nil {
				return err
			}
		}

		return nil
	})

	return nil
}

func (c *DeviceCoordinator) switchSink(ctx context.Context) (switchResult, error) {
	session, err := c.client.Open(ctx)
	if err != nil {
		return switchResult{}, err
	}
	defer c.closeSession(session)

	info, err := session.GetServerInfo()
	if err != nil {
		return switchResult{}, err
	}

	current, err := session.GetDeviceByName(DeviceSink, info.DefaultSinkName)
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		c.logger.Warnw("Default sink not found, switching anyway", "sink", info.DefaultSinkName)
		current = Device{Kind: DeviceSink, Name: info.DefaultSinkName, Description: info.DefaultSinkName}
	case err != nil:
		return switchResult{}, err
	}

	c.notifications.Info(fmt.Sprintf("switching from: %s", current.Description))

	sinks, err := session.ListSinks()
	if err != nil {
		return switchResult{}, err
	}

	next, ok := selectAlternateSink(sinks, current.Name)
	if !ok {
		c.logger.Infow("No alternate sink available", "default", current.Name, "sinks", len(sinks))
		return switchResult{}, ErrNoAlternateDevice
	}

	c.logger.Infow("Switching default sink", "from", current.Name, "to", next.Name)

	if err := session.SetDefaultSink(next); err != nil {
		return switchResult{}, err
	}

	streams, err := session.ListSinkInputs()
	if err != nil {
		return switchResult{}, err
	}

	result := switchResult{sink: next}

	for _, stream := range streams {
		if err := session.MoveStreamToSink(stream.Index, next.Index); err != nil {
			result.failed++
			c.logger.Warnw("Failed to move stream", "stream", stream.Index, "name", stream.Name, "error", err)
			c.notifications.Warn(fmt.Sprintf("unable to move stream %d (%s)", stream.Index, stream.Name))
			continue
		}

		result.moved++
	}

	return result, nil
}

func (c *DeviceCoordinator) defaultDevice(session AudioSession, kind DeviceKind) (Device, error) {
	info, err := session.GetServerInfo()
	if err != nil {
		return Device{}, err
	}

	name := info.DefaultSinkName
	if kind == DeviceSource {
		name = info.DefaultSourceName
	}

	return session.GetDeviceByName(kind, name)
}

func (c *DeviceCoordinator) closeSession(session AudioSession) {
	if err := session.Close(); err != nil {
		c.logger.Debugw("Failed to close audio session", "error", err)
	}
}

// selectAlternateSink keeps the last sink in enumeration order that isn't the
// current default, matching the behaviour deployed setups rely on
func selectAlternateSink(sinks []Device, currentName string) (Device, bool) {
	var (
		next  Device
		found bool
	)

	for _, sink := range sinks {
		if sink.Name == currentName {
			continue
		}

		next = sink
		found = true
	}

	return next, found
}

func applyVolumeDelta(current float64, direction VolumeDirection, step float64) float64 {
	return clampVolume(current + float64(direction)*step)
}

func clampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	case v < 0:
		return 0
	default:
		return v
	}
}

// volumePercentSlack is a bit more than half a PulseAudio volume unit (1/0x10000) in percent
const volumePercentSlack = 1e-3

// volumePercent floors to a whole percentage. The slack keeps a level that went
// through the server's integer volume scale, e.g. 0.29 read back as 0.28999,
// from dropping to the percentage below
func volumePercent(v float64) int {
	return int(math.Floor(clampVolume(v)*100 + volumePercentSlack))
}

func muteMessage(target MuteTarget, device Device, muted bool) string {
	verb := "unmuted"
	if muted {
		verb = "muted"
	}

	if target == MuteInput {
		return fmt.Sprintf("%s microphone %s", verb, device.Description)
	}

	return fmt.Sprintf("%s %s", verb, device.Description)
}
