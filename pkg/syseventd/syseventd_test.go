package syseventd

import (
	"errors"
	"os"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(envNoTray, "1")

	d, err := NewDaemon(zap.NewNop().Sugar(), false)
	require.NoError(t, err)
	t.Cleanup(d.cancel)

	return d
}

func TestInitializeFailsWhenStartupNotificationFails(t *testing.T) {
	startPrivateBus(t)

	d := newTestDaemon(t)
	notifier := &recordingNotifier{err: errors.New("org.freedesktop.Notifications was not provided")}
	d.notifier = notifier

	err := d.Initialize()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartup)
	assert.Equal(t, []string{"started"}, notifier.messages())
}

func TestInitializeFailsWhenNameIsOwned(t *testing.T) {
	address := startPrivateBus(t)

	holder := connectPrivateBus(t, address)
	reply, err := holder.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	require.NoError(t, err)
	require.Equal(t, dbus.RequestNameReplyPrimaryOwner, reply)

	d := newTestDaemon(t)
	notifier := &recordingNotifier{}
	d.notifier = notifier

	err = d.Initialize()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartup)
	assert.ErrorIs(t, err, ErrNameTaken)
	assert.Empty(t, notifier.messages(), "nothing is announced before the name is owned")
}

func TestInitializeFailsWithoutSessionBus(t *testing.T) {
	d := newTestDaemon(t)
	d.notifier = &recordingNotifier{}

	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/nonexistent/syseventd-test-bus")

	err := d.Initialize()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartup)
}
