package syseventd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// normal PulseAudio volume (100%)
const maxVolume = 0x10000

const pulseClientName = "syseventd"

// PulseClient connects to PulseAudio (or pipewire-pulse) once per operation
type PulseClient struct {
	logger *zap.SugaredLogger
	server string
}

// NewPulseClient creates a client for the given server address. An empty
// address lets the library pick it up from the environment
func NewPulseClient(logger *zap.SugaredLogger, server string) *PulseClient {
	logger = logger.Named("pulse")

	pc := &PulseClient{
		logger: logger,
		server: server,
	}

	logger.Debugw("Created PA client instance", "server", server)

	return pc
}

// Open establishes a connection that lives until the returned session is
// closed or ctx is done, whichever comes first
func (pc *PulseClient) Open(ctx context.Context) (AudioSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, newAudioServiceError("connect", err)
	}

	client, conn, err := proto.Connect(pc.server)
	if err != nil {
		pc.logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, newAudioServiceError("connect", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, newAudioServiceError("set connection deadline", err)
		}
	}

	// a hung server must not outlive the operation
	stopAfter := context.AfterFunc(ctx, func() {
		conn.Close()
	})

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString(pulseClientName),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		stopAfter()
		conn.Close()
		pc.logger.Warnw("Failed to set PulseAudio client name", "error", err)
		return nil, newAudioServiceError("set client name", err)
	}

	return &pulseSession{
		logger:    pc.logger,
		client:    client,
		conn:      conn,
		stopAfter: stopAfter,
	}, nil
}

type pulseSession struct {
	logger *zap.SugaredLogger

	client    *proto.Client
	conn      net.Conn
	stopAfter func() bool
}

func (s *pulseSession) GetServerInfo() (ServerInfo, error) {
	request := proto.GetServerInfo{}
	reply := proto.GetServerInfoReply{}

	if err := s.client.Request(&request, &reply); err != nil {
		s.logger.Warnw("Failed to get server info", "error", err)
		return ServerInfo{}, newAudioServiceError("get server info", err)
	}

	return ServerInfo{
		DefaultSinkName:   reply.DefaultSinkName,
		DefaultSourceName: reply.DefaultSourceName,
	}, nil
}

func (s *pulseSession) ListSinks() ([]Device, error) {
	request := proto.GetSinkInfoList{}
	reply := proto.GetSinkInfoListReply{}

	if err := s.client.Request(&request, &reply); err != nil {
		s.logger.Warnw("Failed to get sink list", "error", err)
		return nil, newAudioServiceError("get sink list", err)
	}

	devices := make([]Device, 0, len(reply))
	for _, sink := range reply {
		if sink == nil {
			continue
		}

		devices = append(devices, sinkDevice(sink))
	}

	return devices, nil
}

func (s *pulseSession) ListSources() ([]Device, error) {
	request := proto.GetSourceInfoList{}
	reply := proto.GetSourceInfoListReply{}

	if err := s.client.Request(&request, &reply); err != nil {
		s.logger.Warnw("Failed to get source list", "error", err)
		return nil, newAudioServiceError("get source list", err)
	}

	devices := make([]Device, 0, len(reply))
	for _, source := range reply {
		if source == nil {
			continue
		}

		// monitors are virtual sources mirroring a sink
		if source.MonitorSourceIndex != proto.Undefined {
			continue
		}

		devices = append(devices, sourceDevice(source))
	}

	return devices, nil
}

func (s *pulseSession) GetDeviceByName(kind DeviceKind, name string) (Device, error) {
	if name == "" {
		return Device{}, fmt.Errorf("get %s by empty name: %w", kind, ErrDeviceNotFound)
	}

	if kind == DeviceSource {
		request := proto.GetSourceInfo{
			SourceIndex: proto.Undefined,
			SourceName:  name,
		}
		reply := proto.GetSourceInfoReply{}

		if err := s.client.Request(&request, &reply); err != nil {
			return Device{}, s.lookupError(kind, name, err)
		}

		return sourceDevice(&reply), nil
	}

	request := proto.GetSinkInfo{
		SinkIndex: proto.Undefined,
		SinkName:  name,
	}
	reply := proto.GetSinkInfoReply{}

	if err := s.client.Request(&request, &reply); err != nil {
		return Device{}, s.lookupError(kind, name, err)
	}

	return sinkDevice(&reply), nil
}

func (s *pulseSession) GetVolume(d Device) (float64, error) {
	current, err := s.refresh(d)
	if err != nil {
		return 0, err
	}

	return current.Volume, nil
}

func (s *pulseSession) SetVolume(d Device, v float64) error {
	volumes := createChannelVolumes(d.Channels, v)

	var request proto.RequestArgs
	if d.Kind == DeviceSource {
		request = &proto.SetSourceVolume{
			SourceIndex:    d.Index,
			ChannelVolumes: volumes,
		}
	} else {
		request = &proto.SetSinkVolume{
			SinkIndex:      d.Index,
			ChannelVolumes: volumes,
		}
	}

	if err := s.client.Request(request, nil); err != nil {
		s.logger.Warnw("Failed to set device volume", "error", err, "device", d.Name, "volume", v)
		return newAudioServiceError(fmt.Sprintf("set %s volume", d.Kind), err)
	}

	s.logger.Debugw("Adjusted device volume", "device", d.Name, "to", fmt.Sprintf("%.2f", v))
	return nil
}

func (s *pulseSession) GetMute(d Device) (MuteState, error) {
	current, err := s.refresh(d)
	if err != nil {
		return MuteUnknown, err
	}

	return current.Mute, nil
}

func (s *pulseSession) SetMute(d Device, muted bool) error {
	var request proto.RequestArgs
	if d.Kind == DeviceSource {
		request = &proto.SetSourceMute{
			SourceIndex: d.Index,
			Mute:        muted,
		}
	} else {
		request = &proto.SetSinkMute{
			SinkIndex: d.Index,
			Mute:      muted,
		}
	}

	if err := s.client.Request(request, nil); err != nil {
		s.logger.Warnw("Failed to set mute", "error", err, "device", d.Name)
		return newAudioServiceError(fmt.Sprintf("set %s mute", d.Kind), err)
	}

	s.logger.Debugw("Set device mute state", "device", d.Name, "muted", muted)
	return nil
}

func (s *pulseSession) SetDefaultSink(d Device) error {
	request := proto.SetDefaultSink{
		SinkName: d.Name,
	}

	if err := s.client.Request(&request, nil); err != nil {
		s.logger.Warnw("Failed to set default sink", "error", err, "sink", d.Name)
		return newAudioServiceError("set default sink", err)
	}

	return nil
}

func (s *pulseSession) ListSinkInputs() ([]Stream, error) {
	request := proto.GetSinkInputInfoList{}
	reply := proto.GetSinkInputInfoListReply{}

	if err := s.client.Request(&request, &reply); err != nil {
		s.logger.Warnw("Failed to get sink input list", "error", err)
		return nil, newAudioServiceError("get sink input list", err)
	}

	streams := make([]Stream, 0, len(reply))
	for _, info := range reply {
		if info == nil {
			continue
		}

		stream := Stream{
			Index:     info.SinkInputIndex,
			SinkIndex: info.SinkIndex,
		}

		if name, ok := info.Properties["application.name"]; ok {
			stream.Name = name.String()
		}

		streams = append(streams, stream)
	}

	return streams, nil
}

func (s *pulseSession) MoveStreamToSink(streamIndex uint32, sinkIndex uint32) error {
	request := proto.MoveSinkInput{
		SinkInputIndex: streamIndex,
		DeviceIndex:    sinkIndex,
	}

	if err := s.client.Request(&request, nil); err != nil {
		return newAudioServiceError(fmt.Sprintf("move sink input %d", streamIndex), err)
	}

	return nil
}

func (s *pulseSession) Close() error {
	s.stopAfter()

	if err := s.conn.Close(); err != nil {
		s.logger.Debugw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	return nil
}

// refresh re-reads a device by index so callers always see the server's current values
func (s *pulseSession) refresh(d Device) (Device, error) {
	if d.Kind == DeviceSource {
		request := proto.GetSourceInfo{
			SourceIndex: d.Index,
		}
		reply := proto.GetSourceInfoReply{}

		if err := s.client.Request(&request, &reply); err != nil {
			s.logger.Warnw("Failed to get source info", "error", err, "source", d.Name)
			return Device{}, newAudioServiceError("get source info", err)
		}

		return sourceDevice(&reply), nil
	}

	request := proto.GetSinkInfo{
		SinkIndex: d.Index,
	}
	reply := proto.GetSinkInfoReply{}

	if err := s.client.Request(&request, &reply); err != nil {
		s.logger.Warnw("Failed to get sink info", "error", err, "sink", d.Name)
		return Device{}, newAudioServiceError("get sink info", err)
	}

	return sinkDevice(&reply), nil
}

func (s *pulseSession) lookupError(kind DeviceKind, name string, err error) error {
	if errors.Is(err, proto.ErrNoSuchEntity) {
		s.logger.Warnw("Device not found", "kind", kind, "name", name)
		return fmt.Errorf("get %s %s: %w", kind, name, ErrDeviceNotFound)
	}

	s.logger.Warnw("Failed to get device info", "kind", kind, "name", name, "error", err)
	return newAudioServiceError(fmt.Sprintf("get %s info", kind), err)
}

func sinkDevice(info *proto.GetSinkInfoReply) Device {
	return Device{
		Kind:        DeviceSink,
		Name:        info.SinkName,
		Description: deviceDescription(info.Properties, info.SinkName),
		Index:       info.SinkIndex,
		Channels:    info.Channels,
		Mute:        muteStateOf(info.Mute),
		Volume:      parseChannelVolumes(info.ChannelVolumes),
	}
}

func sourceDevice(info *proto.GetSourceInfoReply) Device {
	return Device{
		Kind:        DeviceSource,
		Name:        info.SourceName,
		Description: deviceDescription(info.Properties, info.SourceName),
		Index:       info.SourceIndex,
		Channels:    info.Channels,
		Mute:        muteStateOf(info.Mute),
		Volume:      parseChannelVolumes(info.ChannelVolumes),
	}
}

func deviceDescription(props proto.PropList, fallback string) string {
	if props != nil {
		if desc, ok := props["device.description"]; ok && desc.String() != "" {
			return desc.String()
		}
	}

	return fallback
}

func createChannelVolumes(channels byte, volume float64) []uint32 {
	if channels == 0 {
		channels = 1
	}

	volumes := make([]uint32, channels)

	for i := range volumes {
		volumes[i] = uint32(math.Round(volume * maxVolume))
	}

	return volumes
}

func parseChannelVolumes(volumes []uint32) float64 {
	if len(volumes) == 0 {
		return 0
	}

	var level uint64

	for _, volume := range volumes {
		level += uint64(volume)
	}

	return float64(level) / float64(len(volumes)) / float64(maxVolume)
}
