package syseventd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

var errConnectionRefused = errors.New("connection refused")

// fakeAudioClient is an in-memory audio server. Every session shares its state
type fakeAudioClient struct {
	lock sync.Mutex

	sinks         []Device
	sources       []Device
	defaultSink   string
	defaultSource string
	streams       []Stream

	openErr     error
	failOps     map[string]error
	failStreams map[uint32]bool

	calls        []string
	openSessions int
	opened       int
}

func newFakeAudioClient() *fakeAudioClient {
	return &fakeAudioClient{
		failOps:     make(map[string]error),
		failStreams: make(map[uint32]bool),
	}
}

func (c *fakeAudioClient) addSink(index uint32, name string, volume float64) {
	c.sinks = append(c.sinks, Device{
		Kind:        DeviceSink,
		Name:        name,
		Description: name + " desc",
		Index:       index,
		Channels:    2,
		Mute:        Unmuted,
		Volume:      volume,
	})

	if c.defaultSink == "" {
		c.defaultSink = name
	}
}

func (c *fakeAudioClient) addSource(index uint32, name string) {
	c.sources = append(c.sources, Device{
		Kind:        DeviceSource,
		Name:        name,
		Description: name + " desc",
		Index:       index,
		Channels:    1,
		Mute:        Unmuted,
	})

	if c.defaultSource == "" {
		c.defaultSource = name
	}
}

func (c *fakeAudioClient) device(kind DeviceKind, name string) *Device {
	list := c.sinks
	if kind == DeviceSource {
		list = c.sources
	}

	for i := range list {
		if list[i].Name == name {
			return &list[i]
		}
	}

	return nil
}

func (c *fakeAudioClient) volumeOf(name string) float64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.device(DeviceSink, name).Volume
}

func (c *fakeAudioClient) muteOf(kind DeviceKind, name string) MuteState {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.device(kind, name).Mute
}

func (c *fakeAudioClient) called(op string) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	n := 0
	for _, call := range c.calls {
		if call == op {
			n++
		}
	}

	return n
}

func (c *fakeAudioClient) sessionsOpen() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.openSessions
}

func (c *fakeAudioClient) Open(ctx context.Context) (AudioSession, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.openErr != nil {
		return nil, newAudioServiceError("connect", c.openErr)
	}

	c.openSessions++
	c.opened++

	return &fakeSession{client: c}, nil
}

type fakeSession struct {
	client *fakeAudioClient
	closed bool
}

// begin records the call and returns the configured failure, if any. Caller holds the lock
func (s *fakeSession) begin(op string) error {
	s.client.calls = append(s.client.calls, op)

	if s.closed {
		return newAudioServiceError(op, errors.New("session closed"))
	}

	if err, ok := s.client.failOps[op]; ok {
		return newAudioServiceError(op, err)
	}

	return nil
}

func (s *fakeSession) GetServerInfo() (ServerInfo, error) {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()

	if err := s.begin("GetServerInfo"); err != nil {
		return ServerInfo{}, err
	}

	return ServerInfo{DefaultSinkName: s.client.defaultSink, DefaultSourceName: s.client.defaultSource}, nil
}

func (s *fakeSession) ListSinks() ([]Device, error) {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()

	if err := s.begin("ListSinks"); err != nil {
		return nil, err
	}

	return append([]Device(nil), s.client.sinks...), nil
}

func (s *fakeSession) ListSources() ([]Device, error) {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()

	if err := s.begin("ListSources"); err != nil {
		return nil, err
	}

	return append([]Device(nil), s.client.sources...), nil
}

func (s *fakeSession) GetDeviceByName(kind DeviceKind, name string) (Device, error) {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()

	if err := s.begin("GetDeviceByName"); err != nil {
		return Device{}, err
	}

	d := s.client.device(kind, name)
	if d == nil {
		return Device{}, fmt.Errorf("%s %q: %w", kind, name, ErrDeviceNotFound)
	}

	return *d, nil
}

func (s *fakeSession) GetVolume(d Device) (float64, error) {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()

	if err := s.begin("GetVolume"); err != nil {
		return 0, err
	}

	return s.client.device(d.Kind, d.Name).Volume, nil
}

func (s *fakeSession) SetVolume(d Device, v float64) error {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()

	if err := s.begin("SetVolume"); err != nil {
		return err
	}

	s.client.device(d.Kind, d.Name).Volume = v
	return nil
}

func (s *fakeSession) GetMute(d Device) (MuteState, error) {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()

	if err := s.begin("GetMute"); err != nil {
		return MuteUnknown, err
	}

	return s.client.device(d.Kind, d.Name).Mute, nil
}

func (s *fakeSession) SetMute(d Device, muted bool) error {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()

	if err := s.begin("SetMute"); err != nil {
		return err
	}

	s.client.device(d.Kind, d.Name).Mute = muteStateOf(muted)
	return nil
}

func (s *fakeSession) SetDefaultSink(d Device) error {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()

	if err := s.begin("SetDefaultSink"); err != nil {
		return err
	}

	s.client.defaultSink = d.Name
	return nil
}

func (s *fakeSession) ListSinkInputs() ([]Stream, error) {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()

	if err := s.begin("ListSinkInputs"); err != nil {
		return nil, err
	}

	return append([]Stream(nil), s.client.streams...), nil
}

func (s *fakeSession) MoveStreamToSink(streamIndex uint32, sinkIndex uint32) error {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()

	if err := s.begin("MoveStreamToSink"); err != nil {
		return err
	}

	if s.client.failStreams[streamIndex] {
		return newAudioServiceError("move sink input", errors.New("no such entity"))
	}

	for i := range s.client.streams {
		if s.client.streams[i].Index == streamIndex {
			s.client.streams[i].SinkIndex = sinkIndex
		}
	}

	return nil
}

func (s *fakeSession) Close() error {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()

	if !s.closed {
		s.closed = true
		s.client.openSessions--
	}

	return nil
}

type sentNotification struct {
	urgency Urgency
	icon    string
	message string
}

type recordingNotifier struct {
	lock  sync.Mutex
	sent  []sentNotification
	err   error
	delay time.Duration
}

func (n *recordingNotifier) Notify(urgency Urgency, icon string, message string) error {
	if n.delay > 0 {
		time.Sleep(n.delay)
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	n.sent = append(n.sent, sentNotification{urgency: urgency, icon: icon, message: message})
	return n.err
}

func (n *recordingNotifier) messages() []string {
	n.lock.Lock()
	defer n.lock.Unlock()

	messages := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		messages = append(messages, s.message)
	}

	return messages
}

func (n *recordingNotifier) notifications() []sentNotification {
	n.lock.Lock()
	defer n.lock.Unlock()

	return append([]sentNotification(nil), n.sent...)
}

type recordingIndicator struct {
	lock   sync.Mutex
	levels []int
	err    error
}

func (i *recordingIndicator) Show(level int) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	i.levels = append(i.levels, level)
	return i.err
}

func (i *recordingIndicator) shown() []int {
	i.lock.Lock()
	defer i.lock.Unlock()

	return append([]int(nil), i.levels...)
}

type playedCue struct {
	cue          Cue
	openSessions int
}

// recordingCuePlayer also records how many audio sessions were open at play time
type recordingCuePlayer struct {
	lock   sync.Mutex
	client *fakeAudioClient
	played []playedCue
	err    error
}

func (p *recordingCuePlayer) Play(ctx context.Context, cue Cue) error {
	open := 0
	if p.client != nil {
		open = p.client.sessionsOpen()
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	p.played = append(p.played, playedCue{cue: cue, openSessions: open})
	return p.err
}

func (p *recordingCuePlayer) cues() []playedCue {
	p.lock.Lock()
	defer p.lock.Unlock()

	return append([]playedCue(nil), p.played...)
}

type fixedPolicy struct {
	step     float64
	excluded []string
}

func (p fixedPolicy) VolumeStep() float64 {
	return p.step
}

func (p fixedPolicy) IsExcluded(deviceName string) bool {
	for _, name := range p.excluded {
		if name == deviceName {
			return true
		}
	}

	return false
}

type recordingPublisher struct {
	lock   sync.Mutex
	states map[string]interface{}
}

func (p *recordingPublisher) PublishState(id string, value interface{}) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.states == nil {
		p.states = make(map[string]interface{})
	}
	p.states[id] = value
}

func (p *recordingPublisher) state(id string) interface{} {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.states[id]
}

// coordinatorFixture wires a DeviceCoordinator to fakes
type coordinatorFixture struct {
	client      *fakeAudioClient
	notifier    *recordingNotifier
	indicator   *recordingIndicator
	cues        *recordingCuePlayer
	state       *recordingPublisher
	effects     *effectDispatcher
	coordinator *DeviceCoordinator
}

func newCoordinatorFixture(t *testing.T, client *fakeAudioClient, policy VolumePolicy) *coordinatorFixture {
	t.Helper()

	logger := zap.NewNop().Sugar()

	f := &coordinatorFixture{
		client:    client,
		notifier:  &recordingNotifier{},
		indicator: &recordingIndicator{},
		cues:      &recordingCuePlayer{client: client},
		state:     &recordingPublisher{},
		effects:   newEffectDispatcher(logger, 32),
	}

	notifications := newNotificationSink(logger, f.notifier, f.effects, nil)
	f.coordinator = NewDeviceCoordinator(logger, client, policy, notifications, f.indicator, f.cues, f.effects, f.state)

	t.Cleanup(func() {
		f.effects.Stop(time.Second)
	})

	return f
}

// settle waits for every asynchronous notification and cue
func (f *coordinatorFixture) settle(t *testing.T) {
	t.Helper()

	if !f.effects.Stop(2 * time.Second) {
		t.Fatal("side effects did not settle")
	}
}
