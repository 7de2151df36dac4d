package syseventd

import (
	"context"
	"errors"
	"fmt"
)

// DeviceKind tells sinks (outputs) and sources (inputs) apart
type DeviceKind int

const (
	DeviceSink DeviceKind = iota
	DeviceSource
)

func (k DeviceKind) String() string {
	if k == DeviceSource {
		return "source"
	}

	return "sink"
}

// MuteState is the mute flag as reported by the audio server. Anything other
// than Muted/Unmuted means the server handed back a state we can't act on
type MuteState int

const (
	MuteUnknown MuteState = iota
	Muted
	Unmuted
)

func (m MuteState) String() string {
	switch m {
	case Muted:
		return "muted"
	case Unmuted:
		return "unmuted"
	default:
		return "unknown"
	}
}

// muteStateOf converts a plain boolean mute flag
func muteStateOf(muted bool) MuteState {
	if muted {
		return Muted
	}

	return Unmuted
}

// Device is a snapshot of a sink or source, valid only for the operation that fetched it
type Device struct {
	Kind        DeviceKind
	Name        string
	Description string
	Index       uint32
	Channels    byte
	Mute        MuteState
	Volume      float64
}

func (d Device) String() string {
	return fmt.Sprintf("<%s %d: %s, vol: %.2f, %s>", d.Kind, d.Index, d.Name, d.Volume, d.Mute)
}

// Stream is an active sink input bound to a sink
type Stream struct {
	Index     uint32
	SinkIndex uint32
	Name      string
}

// ServerInfo carries the server's current default device names
type ServerInfo struct {
	DefaultSinkName   string
	DefaultSourceName string
}

// AudioSessionClient hands out one connection-scoped session per logical operation
type AudioSessionClient interface {
	Open(ctx context.Context) (AudioSession, error)
}

// AudioSession is a live connection to the audio server. It is not safe for
// concurrent use and must be closed by whoever opened it
type AudioSession interface {
	GetServerInfo() (ServerInfo, error)

	ListSinks() ([]Device, error)
	ListSources() ([]Device, error)
	GetDeviceByName(kind DeviceKind, name string) (Device, error)

	GetVolume(d Device) (float64, error)
	SetVolume(d Device, v float64) error

	GetMute(d Device) (MuteState, error)
	SetMute(d Device, muted bool) error

	SetDefaultSink(d Device) error

	ListSinkInputs() ([]Stream, error)
	MoveStreamToSink(streamIndex uint32, sinkIndex uint32) error

	Close() error
}

var (
	// ErrAudioService marks any connectivity or call failure against the audio server
	ErrAudioService = errors.New("audio service error")

	// ErrDeviceNotFound is returned when a device lookup by name comes back empty
	ErrDeviceNotFound = errors.New("device not found")

	// ErrNoAlternateDevice means a switch was requested but only the default device exists
	ErrNoAlternateDevice = errors.New("no alternate device")

	// ErrUnknownDeviceState means the server reported a mute state that is neither on nor off
	ErrUnknownDeviceState = errors.New("unknown device state")

	// ErrSideEffect wraps notification, indicator and cue failures. These are only ever logged
	ErrSideEffect = errors.New("side effect failure")
)

// AudioServiceError describes a failed call against the audio server
type AudioServiceError struct {
	Op  string
	Err error
}

func (e *AudioServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrAudioService, e.Op, e.Err)
}

func (e *AudioServiceError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrAudioService) match every AudioServiceError
func (e *AudioServiceError) Is(target error) bool {
	return target == ErrAudioService
}

func newAudioServiceError(op string, err error) error {
	return &AudioServiceError{Op: op, Err: err}
}
