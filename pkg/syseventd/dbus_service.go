package syseventd

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"
)

const (
	// ServiceName is the well-known bus name syseventd owns on the session bus
	ServiceName = "net.cephalopo.Syseventd"

	// ServicePath is where the trigger object is exported
	ServicePath = dbus.ObjectPath("/net/cephalopo/Syseventd")

	// ServiceInterface carries the trigger methods
	ServiceInterface = "net.cephalopo.Syseventd"

	serviceErrorFailed = "net.cephalopo.Syseventd.Error.Failed"
)

// ErrNameTaken means another process already owns the service name
var ErrNameTaken = errors.New("bus name already taken")

const serviceIntrospection = `
<node>
	<interface name="` + ServiceInterface + `">
		<method name="Volume">
			<arg direction="in" type="i" name="change"/>
		</method>
		<method name="MicrophoneToggle"/>
		<method name="SwitchSoundCard"/>
	</interface>` + introspect.IntrospectDataString + `</node>`

// Triggers is what the bus service forwards incoming calls to
type Triggers interface {
	VolumeChange(ctx context.Context, change int) error
	MicrophoneToggle(ctx context.Context) error
	SwitchOutputDevice(ctx context.Context) error
}

// BusService exposes the trigger methods on the session bus
type BusService struct {
	logger   *zap.SugaredLogger
	conn     *dbus.Conn
	triggers Triggers
	ctx      context.Context

	exported bool
}

// NewBusService prepares the service. ctx bounds every call it forwards
func NewBusService(ctx context.Context, logger *zap.SugaredLogger, conn *dbus.Conn, triggers Triggers) *BusService {
	logger = logger.Named("dbus")

	bs := &BusService{
		logger:   logger,
		conn:     conn,
		triggers: triggers,
		ctx:      ctx,
	}

	logger.Debug("Created bus service instance")

	return bs
}

// Start exports the object and claims the well-known name
func (bs *BusService) Start() error {
	if err := bs.conn.Export(busObject{bs}, ServicePath, ServiceInterface); err != nil {
		return fmt.Errorf("export %s: %w", ServicePath, err)
	}

	if err := bs.conn.Export(introspect.Introspectable(serviceIntrospection), ServicePath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	bs.exported = true

	reply, err := bs.conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", ServiceName, err)
	}

	if reply != dbus.RequestNameReplyPrimaryOwner {
		bs.logger.Warnw("Bus name is owned by someone else", "name", ServiceName, "reply", reply)
		return fmt.Errorf("request name %s: %w", ServiceName, ErrNameTaken)
	}

	bs.logger.Infow("Listening on session bus", "name", ServiceName, "path", ServicePath)

	return nil
}

// Stop releases the name and unexports the object
func (bs *BusService) Stop() {
	if !bs.exported {
		return
	}

	if _, err := bs.conn.ReleaseName(ServiceName); err != nil {
		bs.logger.Debugw("Failed to release bus name", "error", err)
	}

	bs.conn.Export(nil, ServicePath, ServiceInterface)
	bs.conn.Export(nil, ServicePath, "org.freedesktop.DBus.Introspectable")
	bs.exported = false

	bs.logger.Debug("Bus service stopped")
}

// busObject holds the exported methods only, godbus exports every method of the value
type busObject struct {
	bs *BusService
}

// Volume changes the default sink's volume: 1 up, 0 toggle mute, -1 down
func (o busObject) Volume(change int32) *dbus.Error {
	o.bs.logger.Debugw("Volume called", "change", change)
	return o.bs.reply("Volume", o.bs.triggers.VolumeChange(o.bs.ctx, int(change)))
}

// MicrophoneToggle toggles the default source's mute flag
func (o busObject) MicrophoneToggle() *dbus.Error {
	o.bs.logger.Debug("MicrophoneToggle called")
	return o.bs.reply("MicrophoneToggle", o.bs.triggers.MicrophoneToggle(o.bs.ctx))
}

// SwitchSoundCard moves to another default sink
func (o busObject) SwitchSoundCard() *dbus.Error {
	o.bs.logger.Debug("SwitchSoundCard called")
	return o.bs.reply("SwitchSoundCard", o.bs.triggers.SwitchOutputDevice(o.bs.ctx))
}

func (bs *BusService) reply(method string, err error) *dbus.Error {
	if err == nil {
		return nil
	}

	bs.logger.Debugw("Returning error to caller", "method", method, "error", err)

	return dbus.NewError(serviceErrorFailed, []interface{}{err.Error()})
}
