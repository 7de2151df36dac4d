// Package syseventd is a small desktop daemon that turns key presses, D-Bus
// calls and remote buttons into volume, mute and output device changes on the
// PulseAudio server
package syseventd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/cephalopo/syseventd/pkg/syseventd/util"
)

const (

	// when this is set to anything, syseventd won't use a tray icon even if configured
	envNoTray = "SYSEVENTD_NO_TRAY"

	// how long shutdown waits for notifications and cues still in flight
	effectsStopTimeout = 2 * time.Second
)

// ErrStartup marks failures that prevent the daemon from registering itself
var ErrStartup = errors.New("startup failed")

// Daemon is the main entity managing access to all sub-components
type Daemon struct {
	logger   *zap.SugaredLogger
	config   *CanonicalConfig
	bus      *dbus.Conn
	notifier Notifier

	effects       *effectDispatcher
	notifications *notificationSink
	relay         *StateRelay
	coordinator   *DeviceCoordinator
	worker        *Worker
	router        *EventRouter
	service       *BusService

	sourcesLock sync.Mutex
	keyboard    *KeyboardSource
	serial      *SerialSource
	relayPort   int

	ctx    context.Context
	cancel context.CancelFunc

	stopChannel chan bool
	stopping    sync.Once
	withTray    bool
	version     string
	verbose     bool
}

// NewDaemon creates a Daemon instance
func NewDaemon(logger *zap.SugaredLogger, verbose bool) (*Daemon, error) {
	logger = logger.Named("syseventd")

	config, err := NewConfig(logger)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		logger:      logger,
		config:      config,
		ctx:         ctx,
		cancel:      cancel,
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	logger.Debug("Created daemon instance")

	return d, nil
}

// SetVersion adds a version string to the tray menu if called before Initialize
func (d *Daemon) SetVersion(version string) {
	d.version = version
}

// Initialize sets up every component, registers on the session bus and runs
// until a termination signal or the tray's quit item stops it
func (d *Daemon) Initialize() error {
	d.logger.Debug("Initializing")

	if err := d.config.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	bus, err := dbus.ConnectSessionBus()
	if err != nil {
		d.logger.Errorw("Failed to connect to session bus", "error", err)
		return fmt.Errorf("%w: connect session bus: %w", ErrStartup, err)
	}
	d.bus = bus

	d.wire()

	if err := d.service.Start(); err != nil {
		d.logger.Errorw("Failed to register bus service", "error", err)
		d.bus.Close()
		return fmt.Errorf("%w: register bus service: %w", ErrStartup, err)
	}

	if err := d.notifier.Notify(UrgencyLow, iconInformation, "started"); err != nil {
		d.logger.Errorw("Failed to send startup notification", "error", err)
		d.service.Stop()
		d.bus.Close()
		return fmt.Errorf("%w: startup notification: %w", ErrStartup, err)
	}

	d.worker.Start()
	d.setupInterruptHandler()

	_, noTraySet := os.LookupEnv(envNoTray)
	d.withTray = d.config.Tray() && !noTraySet

	if d.withTray {
		d.initializeTray(d.ctx, d.run)
	} else {
		d.logger.Debugw("Running without tray icon", "configured", d.config.Tray(), "envSet", noTraySet)
		d.run()
	}

	return nil
}

// wire builds the component graph; nothing is started here. A notifier set
// beforehand is kept
func (d *Daemon) wire() {
	if d.notifier == nil {
		d.notifier = NewDesktopNotifier(d.logger, d.bus, d.config.NotificationTimeout())
	}
	d.effects = newEffectDispatcher(d.logger, defaultEffectSlots)
	d.notifications = newNotificationSink(d.logger, d.notifier, d.effects, d.config.NotificationsEnabled)
	d.relay = NewStateRelay(d.logger)

	d.coordinator = NewDeviceCoordinator(
		d.logger,
		NewPulseClient(d.logger, d.config.PulseServer()),
		d.config,
		d.notifications,
		NewIndicatorSink(d.logger, d.config.IndicatorTargets),
		NewCommandCuePlayer(d.logger, d.config.SoundPlayer, d.config.Sound),
		d.effects,
		d.relay,
	)

	d.worker = NewWorker(d.logger, d.config.OperationTimeout)
	d.router = NewEventRouter(d.logger, d.worker, d.coordinator, d.notifications)
	d.service = NewBusService(d.ctx, d.logger, d.bus, d.router)
}

func (d *Daemon) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Daemon) run() {
	d.logger.Info("Run loop starting")

	// watch the config file for changes
	go d.config.WatchConfigFileChanges()
	d.setupOnConfigReload()

	d.startSources()

	// wait until stopped (gracefully)
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	d.stop()
}

func (d *Daemon) signalStop() {
	d.stopping.Do(func() {
		d.logger.Debug("Signalling stop channel")
		d.stopChannel <- true
	})
}

func (d *Daemon) stop() {
	d.logger.Info("Stopping")

	d.config.StopWatchingConfigFile()
	d.stopSources()

	// no new calls, then let the running operation finish
	d.service.Stop()
	d.worker.Stop()
	d.cancel()

	if !d.effects.Stop(effectsStopTimeout) {
		d.logger.Warn("Some notifications or cues were abandoned")
	}

	d.sourcesLock.Lock()
	d.relay.Stop()
	d.sourcesLock.Unlock()

	if err := d.bus.Close(); err != nil {
		d.logger.Debugw("Failed to close session bus", "error", err)
	}

	if d.withTray {
		d.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	d.logger.Sync()
}

// startSources starts every configured trigger source. A source that fails is
// reported and skipped, the D-Bus surface keeps working regardless
func (d *Daemon) startSources() {
	d.sourcesLock.Lock()
	defer d.sourcesLock.Unlock()

	submit := d.router.SubmitFunc(d.ctx)

	if settings := d.config.KeyboardSettings(); len(settings.Devices) > 0 {
		keyboard, err := NewKeyboardSource(d.logger, settings.Devices, settings.Bindings, submit, d.verbose)
		if err != nil {
			d.logger.Warnw("Failed to start keyboard source", "error", err)
			d.notifications.Warn(fmt.Sprintf("keyboard disabled: %v", err))
		} else {
			d.keyboard = keyboard
			keyboard.Start()
		}
	}

	d.startSerial(d.config.SerialSettings(), submit)

	d.relayPort = d.config.RelayPort()
	if err := d.relay.Start(d.relayPort); err != nil {
		d.logger.Warnw("Failed to start state relay", "error", err)
	}
}

// startSerial expects sourcesLock to be held
func (d *Daemon) startSerial(settings SerialSettings, submit func(Command)) {
	if settings.Port == "" {
		return
	}

	serial, err := NewSerialSource(d.logger, settings.Port, settings.BaudRate, settings.Bindings, submit, d.verbose)
	if err != nil {
		d.logger.Warnw("Failed to create serial source", "error", err)
		return
	}

	d.serial = serial
	serial.Start()
}

func (d *Daemon) stopSources() {
	d.sourcesLock.Lock()
	defer d.sourcesLock.Unlock()

	if d.keyboard != nil {
		d.keyboard.Stop()
		d.keyboard = nil
	}

	if d.serial != nil {
		d.serial.Stop()
		d.serial = nil
	}
}

// setupOnConfigReload pushes reloaded bindings into the running sources and
// restarts the serial source or relay when their endpoints changed
func (d *Daemon) setupOnConfigReload() {
	configReloadedChannel := d.config.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			d.applyReloadedConfig()
		}

		d.logger.Debug("Config reload channel closed, exiting handler")
	}()
}

func (d *Daemon) applyReloadedConfig() {
	d.sourcesLock.Lock()
	defer d.sourcesLock.Unlock()

	if d.ctx.Err() != nil {
		return
	}

	keyboard := d.config.KeyboardSettings()
	serial := d.config.SerialSettings()
	relayPort := d.config.RelayPort()

	if d.keyboard != nil {
		d.keyboard.UpdateBindings(keyboard.Bindings)
	}

	serialChanged := d.serial == nil && serial.Port != "" ||
		d.serial != nil && (d.serial.port != serial.Port || int(d.serial.baudRate) != serial.BaudRate)

	if serialChanged {
		d.logger.Info("Detected change in serial connection parameters, renewing connection")

		if d.serial != nil {
			d.serial.Stop()
			d.serial = nil
		}

		d.startSerial(serial, d.router.SubmitFunc(d.ctx))
	} else if d.serial != nil {
		d.serial.UpdateBindings(serial.Bindings)
	}

	if relayPort != d.relayPort {
		d.logger.Infow("Relay port changed, restarting relay", "old", d.relayPort, "new", relayPort)

		d.relay.Stop()
		d.relayPort = relayPort
		if err := d.relay.Start(d.relayPort); err != nil {
			d.logger.Warnw("Failed to restart state relay", "error", err)
		}
	}

	d.notifications.Info("configuration reloaded")
}
