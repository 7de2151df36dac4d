package syseventd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Coordinator is the set of operations the router can trigger
type Coordinator interface {
	AdjustVolume(ctx context.Context, direction VolumeDirection) error
	ToggleMute(ctx context.Context, target MuteTarget) error
	SwitchDefaultDevice(ctx context.Context) error
}

// EventRouter maps incoming triggers (D-Bus calls, keys, tray clicks, remote
// buttons) onto coordinator operations, serialized through the worker
type EventRouter struct {
	logger        *zap.SugaredLogger
	worker        *Worker
	coordinator   Coordinator
	notifications *notificationSink
}

// NewEventRouter creates a router submitting to the given worker
func NewEventRouter(logger *zap.SugaredLogger, worker *Worker, coordinator Coordinator, notifications *notificationSink) *EventRouter {
	logger = logger.Named("router")

	r := &EventRouter{
		logger:        logger,
		worker:        worker,
		coordinator:   coordinator,
		notifications: notifications,
	}

	logger.Debug("Created event router instance")

	return r
}

// VolumeChange handles the numeric volume trigger: 1 up, 0 mute, -1 down.
// Any other value is logged and ignored
func (r *EventRouter) VolumeChange(ctx context.Context, change int) error {
	switch change {
	case 1:
		return r.Dispatch(ctx, CommandVolumeUp)
	case 0:
		return r.Dispatch(ctx, CommandToggleMute)
	case -1:
		return r.Dispatch(ctx, CommandVolumeDown)
	default:
		r.logger.Warnw("Ignoring unknown volume change", "change", change)
		return nil
	}
}

// MicrophoneToggle toggles mute on the default source
func (r *EventRouter) MicrophoneToggle(ctx context.Context) error {
	return r.Dispatch(ctx, CommandToggleMicrophone)
}

// SwitchOutputDevice moves to another default sink
func (r *EventRouter) SwitchOutputDevice(ctx context.Context) error {
	return r.Dispatch(ctx, CommandSwitchOutput)
}

// Dispatch runs a command on the worker and waits for it. Expected outcomes such
// as a missing alternate device are not returned as errors
func (r *EventRouter) Dispatch(ctx context.Context, cmd Command) error {
	if _, ok := commandNames[cmd]; !ok {
		r.logger.Warnw("Ignoring unknown command", "command", cmd)
		return nil
	}

	r.logger.Infow("Dispatching command", "command", cmd)

	err := r.worker.Do(ctx, cmd.String(), func(opCtx context.Context) error {
		return r.execute(opCtx, cmd)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoAlternateDevice):
		r.logger.Infow("Command had nothing to do", "command", cmd, "reason", err)
		return nil
	case errors.Is(err, ErrWorkerStopped), errors.Is(err, context.Canceled):
		r.logger.Debugw("Command abandoned", "command", cmd, "error", err)
		return err
	default:
		return err
	}
}

// SubmitFunc adapts the router for event sources that don't care about the outcome
func (r *EventRouter) SubmitFunc(ctx context.Context) func(Command) {
	return func(cmd Command) {
		// failures were already logged and notified by execute
		_ = r.Dispatch(ctx, cmd)
	}
}

func (r *EventRouter) execute(ctx context.Context, cmd Command) error {
	var err error

	switch cmd {
	case CommandVolumeUp:
		err = r.coordinator.AdjustVolume(ctx, VolumeIncrease)
	case CommandVolumeDown:
		err = r.coordinator.AdjustVolume(ctx, VolumeDecrease)
	case CommandToggleMute:
		err = r.coordinator.ToggleMute(ctx, MuteOutput)
	case CommandToggleMicrophone:
		err = r.coordinator.ToggleMute(ctx, MuteInput)
	case CommandSwitchOutput:
		err = r.coordinator.SwitchDefaultDevice(ctx)
	default:
		err = fmt.Errorf("unsupported command %s", cmd)
	}

	r.report(cmd, err)

	return err
}

// report turns a failed core operation into a log line plus a warning notification
func (r *EventRouter) report(cmd Command, err error) {
	if err == nil || errors.Is(err, ErrNoAlternateDevice) {
		return
	}

	switch {
	case errors.Is(err, ErrUnknownDeviceState):
		r.logger.Errorw("Command aborted on unknown device state", "command", cmd, "error", err)
	default:
		r.logger.Warnw("Command failed", "command", cmd, "error", err)
	}

	if r.notifications != nil {
		r.notifications.Warn(fmt.Sprintf("%s failed: %v", cmd, err))
	}
}
