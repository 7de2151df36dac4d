package syseventd

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/cephalopo/syseventd/pkg/syseventd/util"
)

// KeyboardSettings is the evdev source configuration
type KeyboardSettings struct {
	Devices  []string
	Bindings *KeyBindings
}

// SerialSettings is the serial trigger source configuration. An empty Port disables it
type SerialSettings struct {
	Port     string
	BaudRate int
	Bindings map[string]Command
}

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for syseventd's configuration file.
// Every field is read through an accessor, a reload swaps them all at once
type CanonicalConfig struct {
	lock sync.RWMutex

	excludedDevices  []string
	volumeStep       float64
	operationTimeout time.Duration
	indicatorTargets []string
	soundPlayer      string
	sounds           map[Cue]string

	notificationsEnabled bool
	notificationTimeout  time.Duration

	pulseServer string
	keyboard    KeyboardSettings
	serial      SerialSettings
	relayPort   int
	tray        bool

	logger             *zap.SugaredLogger
	stopWatcherChannel chan bool

	reloadConsumers []chan bool
	consumersLock   sync.Mutex

	userConfig *viper.Viper
}

const (
	userConfigName = "config"
	userConfigPath = "."
	configType     = "yaml"

	configKey_ExcludedDevices     = "excluded_devices"
	configKey_VolumeStep          = "volume_step"
	configKey_OperationTimeout    = "operation_timeout"
	configKey_PulseServer         = "pulse_server"
	configKey_IndicatorTargets    = "indicator_targets"
	configKey_SoundPlayer         = "sound_player"
	configKey_SoundVolume         = "sounds.volume"
	configKey_SoundSwitch         = "sounds.switch"
	configKey_NotificationsOn     = "notifications.enabled"
	configKey_NotificationTimeout = "notifications.timeout_ms"
	configKey_KeyboardDevices     = "keyboard.devices"
	configKey_KeyboardBindings    = "keyboard.bindings"
	configKey_KeyboardSwitchCombo = "keyboard.switch_combo"
	configKey_SerialPort          = "serial.port"
	configKey_SerialBaudRate      = "serial.baud_rate"
	configKey_SerialBindings      = "serial.bindings"
	configKey_RelayPort           = "relay.port"
	configKey_Tray                = "tray"

	// hardware-controlled output, volume is handled by the device itself
	default_ExcludedDevice = "alsa_output.pci-0000_0b_00.4.analog-stereo"

	default_NotificationTimeoutMs = 2000
)

var (
	defaultKeyboardBindings = map[string]string{
		"VOLUMEUP":   CommandVolumeUp.String(),
		"VOLUMEDOWN": CommandVolumeDown.String(),
		"MUTE":       CommandToggleMute.String(),
		"MICMUTE":    CommandToggleMicrophone.String(),
	}

	defaultSwitchCombo = []string{"LEFTMETA", "F12"}
)

// NewConfig creates a config instance and sets up viper for syseventd's config file
func NewConfig(logger *zap.SugaredLogger) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)
	if dir := util.ConfigDir("syseventd"); dir != "" {
		userConfig.AddConfigPath(dir)
	}

	setConfigDefaults(userConfig)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault(configKey_ExcludedDevices, []string{default_ExcludedDevice})
	v.SetDefault(configKey_VolumeStep, defaultVolumeStep)
	v.SetDefault(configKey_OperationTimeout, defaultOperationTimeout)
	v.SetDefault(configKey_PulseServer, "")
	v.SetDefault(configKey_IndicatorTargets, DefaultIndicatorTargets())
	v.SetDefault(configKey_SoundPlayer, defaultSoundPlayer)
	v.SetDefault(configKey_SoundVolume, defaultVolumeSound)
	v.SetDefault(configKey_SoundSwitch, defaultSwitchSound)
	v.SetDefault(configKey_NotificationsOn, true)
	v.SetDefault(configKey_NotificationTimeout, default_NotificationTimeoutMs)
	v.SetDefault(configKey_KeyboardDevices, []string{})
	v.SetDefault(configKey_KeyboardBindings, defaultKeyboardBindings)
	v.SetDefault(configKey_KeyboardSwitchCombo, defaultSwitchCombo)
	v.SetDefault(configKey_SerialPort, "")
	v.SetDefault(configKey_SerialBaudRate, 0)
	v.SetDefault(configKey_SerialBindings, map[string]string{})
	v.SetDefault(configKey_RelayPort, 0)
	v.SetDefault(configKey_Tray, false)
}

// Load reads the config file from disk and tries to parse it. A missing file
// is fine, the defaults cover every key
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debug("Loading config")

	if err := cc.userConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			cc.logger.Warnw("Viper failed to read user config", "error", err)
			return fmt.Errorf("read user config: %w", err)
		}

		cc.logger.Infow("No config file found, using defaults", "reminder", "this is fine")
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Infow("Loaded config successfully", "path", cc.userConfig.ConfigFileUsed())
	cc.logger.Infow("Config values",
		"excludedDevices", cc.ExcludedDevices(),
		"volumeStep", cc.VolumeStep(),
		"operationTimeout", cc.OperationTimeout(),
		"indicatorTargets", cc.IndicatorTargets(),
		"keyboard", cc.KeyboardSettings().Bindings,
		"keyboardDevices", cc.KeyboardSettings().Devices,
		"serialPort", cc.SerialSettings().Port,
		"relayPort", cc.RelayPort(),
		"tray", cc.Tray(),
	)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.consumersLock.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.consumersLock.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	configFile := cc.userConfig.ConfigFileUsed()
	if configFile == "" {
		cc.logger.Debug("No config file in use, nothing to watch")
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", configFile)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.onConfigReloaded()
				}

				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(func(fsnotify.Event) {})
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	case <-time.After(time.Second):
		cc.logger.Debug("Config watcher not running, nothing to stop")
	}

	cc.closeReloadChannels()
}

// ConfigFileUsed returns the path of the loaded config file, or "" when running on defaults
func (cc *CanonicalConfig) ConfigFileUsed() string {
	return cc.userConfig.ConfigFileUsed()
}

// VolumeStep is the fraction of full scale applied per volume trigger
func (cc *CanonicalConfig) VolumeStep() float64 {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.volumeStep
}

// IsExcluded reports whether volume changes must skip the named device
func (cc *CanonicalConfig) IsExcluded(deviceName string) bool {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return funk.ContainsString(cc.excludedDevices, deviceName)
}

// ExcludedDevices returns a copy of the exclusion set
func (cc *CanonicalConfig) ExcludedDevices() []string {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return append([]string(nil), cc.excludedDevices...)
}

// OperationTimeout bounds a single audio operation
func (cc *CanonicalConfig) OperationTimeout() time.Duration {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.operationTimeout
}

// IndicatorTargets lists the on-screen display endpoints in priority order
func (cc *CanonicalConfig) IndicatorTargets() []string {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return append([]string(nil), cc.indicatorTargets...)
}

// SoundPlayer is the command used to play cue files
func (cc *CanonicalConfig) SoundPlayer() string {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.soundPlayer
}

// Sound returns the file played for the given cue
func (cc *CanonicalConfig) Sound(cue Cue) string {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.sounds[cue]
}

// NotificationsEnabled reports whether desktop notifications should be sent
func (cc *CanonicalConfig) NotificationsEnabled() bool {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.notificationsEnabled
}

// NotificationTimeout is how long a notification stays on screen
func (cc *CanonicalConfig) NotificationTimeout() time.Duration {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.notificationTimeout
}

// PulseServer is the audio server address, "" for the environment default
func (cc *CanonicalConfig) PulseServer() string {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.pulseServer
}

// KeyboardSettings returns the keyboard source settings from the latest load
func (cc *CanonicalConfig) KeyboardSettings() KeyboardSettings {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.keyboard
}

// SerialSettings returns the serial source settings from the latest load
func (cc *CanonicalConfig) SerialSettings() SerialSettings {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.serial
}

// RelayPort is the state relay's TCP port, 0 when disabled
func (cc *CanonicalConfig) RelayPort() int {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.relayPort
}

// Tray reports whether the tray icon is enabled
func (cc *CanonicalConfig) Tray() bool {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.tray
}

func (cc *CanonicalConfig) closeReloadChannels() {
	cc.consumersLock.Lock()
	defer cc.consumersLock.Unlock()

	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil
	cc.logger.Debug("Closed all config reload channels")
}

func (cc *CanonicalConfig) populateFromVipers() error {
	step := cc.userConfig.GetFloat64(configKey_VolumeStep)
	if step <= 0 || step > 1 {
		return fmt.Errorf("%s must be within (0, 1], got %v", configKey_VolumeStep, step)
	}

	timeout := cc.userConfig.GetDuration(configKey_OperationTimeout)
	if timeout <= 0 {
		return fmt.Errorf("%s must be positive, got %v", configKey_OperationTimeout, timeout)
	}

	bindings, err := NewKeyBindings(
		cc.userConfig.GetStringMapString(configKey_KeyboardBindings),
		cc.userConfig.GetStringSlice(configKey_KeyboardSwitchCombo),
	)
	if err != nil {
		return fmt.Errorf("parse keyboard bindings: %w", err)
	}

	serialBindings, err := parseRemoteBindings(cc.userConfig.GetStringMapString(configKey_SerialBindings))
	if err != nil {
		return fmt.Errorf("parse serial bindings: %w", err)
	}

	excluded := funk.UniqString(funk.FilterString(cc.userConfig.GetStringSlice(configKey_ExcludedDevices), func(s string) bool {
		return strings.TrimSpace(s) != ""
	}))

	targets := funk.FilterString(cc.userConfig.GetStringSlice(configKey_IndicatorTargets), func(s string) bool {
		return s != ""
	})

	cc.lock.Lock()
	cc.excludedDevices = excluded
	cc.volumeStep = step
	cc.operationTimeout = timeout
	cc.indicatorTargets = targets
	cc.soundPlayer = cc.userConfig.GetString(configKey_SoundPlayer)
	cc.sounds = map[Cue]string{
		CueVolume: cc.userConfig.GetString(configKey_SoundVolume),
		CueSwitch: cc.userConfig.GetString(configKey_SoundSwitch),
	}
	cc.notificationsEnabled = cc.userConfig.GetBool(configKey_NotificationsOn)
	cc.notificationTimeout = time.Duration(cc.userConfig.GetInt(configKey_NotificationTimeout)) * time.Millisecond
	cc.pulseServer = cc.userConfig.GetString(configKey_PulseServer)
	cc.keyboard = KeyboardSettings{
		Devices:  cc.userConfig.GetStringSlice(configKey_KeyboardDevices),
		Bindings: bindings,
	}
	cc.serial = SerialSettings{
		Port:     cc.userConfig.GetString(configKey_SerialPort),
		BaudRate: cc.userConfig.GetInt(configKey_SerialBaudRate),
		Bindings: serialBindings,
	}
	cc.relayPort = cc.userConfig.GetInt(configKey_RelayPort)
	cc.tray = cc.userConfig.GetBool(configKey_Tray)
	cc.lock.Unlock()

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.consumersLock.Lock()
	defer cc.consumersLock.Unlock()

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
			// a reload is already pending for this consumer
		}
	}
}

// parseRemoteBindings validates a remote id -> command name mapping
func parseRemoteBindings(raw map[string]string) (map[string]Command, error) {
	bindings := make(map[string]Command, len(raw))

	for id, name := range raw {
		cmd, err := ParseCommand(name)
		if err != nil {
			return nil, fmt.Errorf("binding %q: %w", id, err)
		}

		bindings[strings.ToLower(id)] = cmd
	}

	return bindings, nil
}
