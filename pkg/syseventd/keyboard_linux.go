//go:build linux
// +build linux

package syseventd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// how long epoll_wait may block before we check for a stop request
const keyboardPollTimeoutMs = 250

// key releases waiting for the worker; more than this are dropped
const keyboardQueueSize = 16

// inputEvent mirrors struct input_event on 64-bit Linux
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// KeyboardSource reads raw key events from evdev devices and turns key releases into commands
type KeyboardSource struct {
	logger  *zap.SugaredLogger
	verbose bool
	tracker *keyTracker
	submit  func(Command)

	files       []*os.File
	commands    chan Command
	stopChannel chan struct{}
	stopped     chan struct{}
	stopping    sync.Once
}

// NewKeyboardSource opens every device up front so permission problems surface at startup
func NewKeyboardSource(logger *zap.SugaredLogger, devices []string, bindings *KeyBindings, submit func(Command), verbose bool) (*KeyboardSource, error) {
	logger = logger.Named("keyboard")

	if len(devices) == 0 {
		return nil, errors.New("no input devices configured")
	}

	ks := &KeyboardSource{
		logger:      logger,
		verbose:     verbose,
		tracker:     newKeyTracker(bindings),
		submit:      submit,
		commands:    make(chan Command, keyboardQueueSize),
		stopChannel: make(chan struct{}),
		stopped:     make(chan struct{}),
	}

	for _, device := range devices {
		f, err := os.Open(device)
		if err != nil {
			ks.closeFiles()
			logger.Warnw("Failed to open input device", "device", device, "error", err,
				"tip", "add the user to the 'input' group")
			return nil, fmt.Errorf("open input device %s: %w", device, err)
		}

		ks.files = append(ks.files, f)
	}

	logger.Debugw("Created keyboard source instance", "devices", devices, "bindings", bindings)

	return ks, nil
}

// UpdateBindings swaps the key table after a config reload
func (ks *KeyboardSource) UpdateBindings(bindings *KeyBindings) {
	ks.tracker.SetBindings(bindings)
	ks.logger.Infow("Updated key bindings", "bindings", bindings)
}

// Start begins reading in the background
func (ks *KeyboardSource) Start() {
	go ks.forwardCommands()

	go func() {
		defer close(ks.stopped)
		defer close(ks.commands)
		defer ks.closeFiles()

		if err := ks.readEvents(); err != nil {
			ks.logger.Warnw("Keyboard reader stopped", "error", err)
		}
	}()
}

// Stop ends the read loop and closes the devices
func (ks *KeyboardSource) Stop() {
	ks.stopping.Do(func() {
		close(ks.stopChannel)
	})

	<-ks.stopped
}

// readEvents multiplexes all devices over one epoll instance
func (ks *KeyboardSource) readEvents() error {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	fdToFile := make(map[int]*os.File)

	for _, f := range ks.files {
		fd := int(f.Fd())
		fdToFile[fd] = f

		event := unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}

		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			return fmt.Errorf("epoll_ctl_add %s: %w", f.Name(), err)
		}
	}

	const maxEvents = 32
	epollEvents := make([]unix.EpollEvent, maxEvents)
	buf := make([]byte, binary.Size(inputEvent{}))
	reader := bytes.NewReader(buf)

	for {
		select {
		case <-ks.stopChannel:
			return nil
		default:
		}

		n, err := unix.EpollWait(epfd, epollEvents, keyboardPollTimeoutMs)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(epollEvents[i].Fd)
			f := fdToFile[fd]

			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				// unplugged keyboards are dropped, the others keep working
				ks.logger.Warnw("Input device went away", "device", f.Name())
				if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
					ks.logger.Debugw("Failed to remove device from epoll", "device", f.Name(), "error", err)
				}
				delete(fdToFile, fd)
				if len(fdToFile) == 0 {
					return errors.New("all input devices went away")
				}
				continue
			}

			if _, err := f.Read(buf); err != nil {
				return fmt.Errorf("read from %s: %w", f.Name(), err)
			}

			reader.Reset(buf)
			var ev inputEvent
			if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
				continue
			}

			ks.handleEvent(ev)
		}
	}
}

func (ks *KeyboardSource) handleEvent(ev inputEvent) {
	if ev.Type != evKey {
		return
	}

	cmd, ok := ks.tracker.Handle(ev.Code, ev.Value)
	if ks.verbose {
		ks.logger.Debugw("Key event", "code", ev.Code, "value", ev.Value, "command", cmd)
	}

	if !ok {
		return
	}

	// keep reading keys while the operation runs
	select {
	case ks.commands <- cmd:
	default:
		ks.logger.Warnw("Too many pending key commands, dropping", "command", cmd)
	}
}

// forwardCommands submits in arrival order, one at a time
func (ks *KeyboardSource) forwardCommands() {
	for cmd := range ks.commands {
		ks.submit(cmd)
	}
}

func (ks *KeyboardSource) closeFiles() {
	for _, f := range ks.files {
		f.Close()
	}
	ks.files = nil
}
