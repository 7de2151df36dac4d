package syseventd

import (
	"context"
	"fmt"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// Urgency follows the freedesktop notification urgency levels
type Urgency byte

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyCritical:
		return "critical"
	default:
		return "normal"
	}
}

// freedesktop icon theme names
const (
	iconInformation = "dialog-information"
	iconWarning     = "dialog-warning"
)

const (
	notificationAppName = "syseventd"
	notificationTitle   = "syseventd"

	notificationsDest      = "org.freedesktop.Notifications"
	notificationsPath      = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsNotifyFnc = "org.freedesktop.Notifications.Notify"
)

// Notifier provides desktop notification sending
type Notifier interface {
	Notify(urgency Urgency, icon string, message string) error
}

// DesktopNotifier talks to the desktop notification daemon over the session bus,
// falling back to beeep when the bus call fails
type DesktopNotifier struct {
	logger  *zap.SugaredLogger
	conn    *dbus.Conn
	timeout time.Duration
}

// NewDesktopNotifier creates a notifier bound to the given session bus connection, which may be nil
func NewDesktopNotifier(logger *zap.SugaredLogger, conn *dbus.Conn, timeout time.Duration) *DesktopNotifier {
	logger = logger.Named("notifier")

	dn := &DesktopNotifier{
		logger:  logger,
		conn:    conn,
		timeout: timeout,
	}

	logger.Debug("Created desktop notifier instance")

	return dn
}

// Notify sends a single notification and blocks until the daemon replies
func (dn *DesktopNotifier) Notify(urgency Urgency, icon string, message string) error {
	if dn.conn != nil {
		id, err := dn.notifyBus(urgency, icon, message)
		if err == nil {
			dn.logger.Debugw("Sent notification", "id", id, "urgency", urgency, "message", message)
			return nil
		}

		dn.logger.Warnw("Failed to send notification over session bus, falling back", "error", err)
	}

	if err := beeep.Notify(notificationTitle, message, icon); err != nil {
		dn.logger.Warnw("Failed to send fallback notification", "error", err)
		return fmt.Errorf("send notification: %w", err)
	}

	return nil
}

func (dn *DesktopNotifier) notifyBus(urgency Urgency, icon string, message string) (uint32, error) {
	obj := dn.conn.Object(notificationsDest, notificationsPath)

	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(urgency)),
	}

	var id uint32
	call := obj.Call(notificationsNotifyFnc, 0,
		notificationAppName,
		uint32(0), // id to replace
		icon,
		notificationTitle,
		message,
		[]string{}, // actions
		hints,
		int32(dn.timeout/time.Millisecond),
	)

	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("call %s: %w", notificationsNotifyFnc, err)
	}

	return id, nil
}

// notificationSink fires notifications off the critical path
type notificationSink struct {
	logger     *zap.SugaredLogger
	notifier   Notifier
	dispatcher *effectDispatcher
	enabled    func() bool
}

func newNotificationSink(logger *zap.SugaredLogger, notifier Notifier, dispatcher *effectDispatcher, enabled func() bool) *notificationSink {
	if enabled == nil {
		enabled = func() bool { return true }
	}

	return &notificationSink{
		logger:     logger.Named("notifications"),
		notifier:   notifier,
		dispatcher: dispatcher,
		enabled:    enabled,
	}
}

// Info sends a low urgency informational message
func (ns *notificationSink) Info(message string) {
	ns.send(UrgencyLow, iconInformation, message)
}

// Warn sends a critical urgency warning
func (ns *notificationSink) Warn(message string) {
	ns.send(UrgencyCritical, iconWarning, message)
}

func (ns *notificationSink) send(urgency Urgency, icon string, message string) {
	if ns.notifier == nil || !ns.enabled() {
		ns.logger.Debugw("Notifications disabled, skipping", "message", message)
		return
	}

	ns.dispatcher.Go("notify", func(context.Context) error {
		if err := ns.notifier.Notify(urgency, icon, message); err != nil {
			return fmt.Errorf("%w: notify: %v", ErrSideEffect, err)
		}

		return nil
	})
}
