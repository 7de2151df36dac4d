package syseventd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"
)

const (
	// delay between serial reconnection attempts
	serialRetryDelay = 2 * time.Second

	// milliseconds between characters before a read returns
	serialInterCharacterTimeout = 50
)

var (
	ansiRegexp    = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	jsonLogRegexp = regexp.MustCompile(`\[[A-Z]\]\[json:\d+\]:\s*(\{.*\})`)
)

// buttonEvent is one state report from a remote button or switch
type buttonEvent struct {
	ID    string
	State bool
}

// SerialSource reads button state lines from a microcontroller on a serial port
// and fires the bound command whenever a button goes from off to on
type SerialSource struct {
	logger  *zap.SugaredLogger
	verbose bool
	submit  func(Command)

	lock        sync.Mutex
	port        string
	baudRate    uint
	bindings    map[string]Command
	lastStates  map[string]bool
	conn        io.ReadWriteCloser
	stopChannel chan struct{}
	stopped     chan struct{}
}

// NewSerialSource creates a source for the given port. bindings maps lowercase ids to commands
func NewSerialSource(logger *zap.SugaredLogger, port string, baudRate int, bindings map[string]Command, submit func(Command), verbose bool) (*SerialSource, error) {
	logger = logger.Named("serial")

	if port == "" || baudRate <= 0 {
		return nil, errors.New("serial port or baud rate unset")
	}

	ss := &SerialSource{
		logger:     logger,
		verbose:    verbose,
		submit:     submit,
		port:       port,
		baudRate:   uint(baudRate),
		bindings:   bindings,
		lastStates: make(map[string]bool),
	}

	logger.Debugw("Created serial source instance", "port", port, "baud", baudRate, "bindings", len(bindings))

	return ss, nil
}

// UpdateBindings swaps the id -> command table after a config reload
func (ss *SerialSource) UpdateBindings(bindings map[string]Command) {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	ss.bindings = bindings
	ss.logger.Infow("Updated serial bindings", "bindings", len(bindings))
}

// Start connects in the background and keeps reconnecting until stopped
func (ss *SerialSource) Start() {
	ss.lock.Lock()
	ss.stopChannel = make(chan struct{})
	ss.stopped = make(chan struct{})
	stopChannel, stopped := ss.stopChannel, ss.stopped
	ss.lock.Unlock()

	go func() {
		defer close(stopped)

		for {
			if err := ss.connect(); err != nil {
				ss.logger.Warnw("Serial connect failed", "error", err)
			} else {
				if err := ss.run(stopChannel); err != nil {
					ss.logger.Warnw("Serial connection lost", "error", err)
				}
				ss.close()
			}

			select {
			case <-stopChannel:
				return
			case <-time.After(serialRetryDelay):
			}
		}
	}()
}

// Stop closes the port and waits for the reader to exit
func (ss *SerialSource) Stop() {
	ss.lock.Lock()
	stopChannel, stopped := ss.stopChannel, ss.stopped
	ss.stopChannel = nil
	ss.lock.Unlock()

	if stopChannel == nil {
		ss.logger.Debug("Not running, nothing to stop")
		return
	}

	ss.logger.Debug("Shutting down serial source")
	close(stopChannel)

	// unblocks a reader stuck in Read
	ss.close()

	<-stopped
}

func (ss *SerialSource) connect() error {
	options := serial.OpenOptions{
		PortName:              ss.port,
		BaudRate:              ss.baudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: serialInterCharacterTimeout,
	}

	ss.logger.Debugw("Attempting serial connection", "port", options.PortName, "baud", options.BaudRate)

	conn, err := serial.Open(options)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "permission denied") {
			ss.logger.Errorw("Serial port access denied", "port", ss.port, "tip", "add the user to the 'dialout' group")
			return fmt.Errorf("serial port %s is busy or access denied: %w", ss.port, err)
		}

		return fmt.Errorf("open serial port %s: %w", ss.port, err)
	}

	ss.lock.Lock()
	ss.conn = conn
	ss.lock.Unlock()

	ss.logger.Infow("Connected to serial port", "port", ss.port)

	return nil
}

func (ss *SerialSource) close() {
	ss.lock.Lock()
	conn := ss.conn
	ss.conn = nil
	ss.lock.Unlock()

	if conn == nil {
		return
	}

	if err := conn.Close(); err != nil {
		ss.logger.Warnw("Failed to close serial connection", "port", ss.port, "error", err)
	} else {
		ss.logger.Infow("Serial connection closed", "port", ss.port)
	}
}

func (ss *SerialSource) run(stopChannel <-chan struct{}) error {
	ss.lock.Lock()
	conn := ss.conn
	ss.lock.Unlock()

	if conn == nil {
		return errors.New("cannot run: connection is nil")
	}

	lines := ss.readLines(bufio.NewReader(conn), stopChannel)

	for {
		select {
		case <-stopChannel:
			return nil

		case line, ok := <-lines:
			if !ok {
				return errors.New("serial connection lost")
			}

			ss.handleLine(line)
		}
	}
}

func (ss *SerialSource) readLines(reader *bufio.Reader, stopChannel <-chan struct{}) chan string {
	ch := make(chan string)

	go func() {
		defer close(ch)

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					ss.logger.Infow("Serial read error, connection may be lost", "error", err)
				}
				return
			}

			if ss.verbose {
				ss.logger.Debugw("Read new line", "line", line)
			}

			select {
			case ch <- line:
			case <-stopChannel:
				return
			}
		}
	}()

	return ch
}

func (ss *SerialSource) handleLine(line string) {
	event, ok := parseButtonLine(line)
	if !ok {
		return
	}

	ss.lock.Lock()
	previous := ss.lastStates[event.ID]
	ss.lastStates[event.ID] = event.State
	cmd, bound := ss.bindings[event.ID]
	ss.lock.Unlock()

	if ss.verbose {
		ss.logger.Debugw("Button state", "id", event.ID, "state", event.State, "command", cmd)
	}

	if !bound || !event.State || previous {
		return
	}

	ss.submit(cmd)
}

// parseButtonLine accepts a bare JSON object or one wrapped in an ESPHome log
// tag, e.g. `[D][json:042]: {"id":"binary_sensor-sw1","state":"ON"}`
func parseButtonLine(line string) (buttonEvent, bool) {
	clean := ansiRegexp.ReplaceAllString(line, "")
	trimmed := strings.TrimSpace(clean)

	payload := ""
	if len(trimmed) > 0 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}' {
		payload = trimmed
	} else if m := jsonLogRegexp.FindStringSubmatch(clean); m != nil {
		payload = m[1]
	} else {
		return buttonEvent{}, false
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return buttonEvent{}, false
	}

	id, _ := raw["id"].(string)
	if id == "" {
		return buttonEvent{}, false
	}

	event := buttonEvent{ID: strings.ToLower(id)}

	if v, ok := raw["value"].(bool); ok {
		event.State = v
	} else if s, ok := raw["state"].(string); ok {
		event.State = strings.EqualFold(s, "ON")
	} else {
		return buttonEvent{}, false
	}

	return event, true
}
