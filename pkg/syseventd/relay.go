package syseventd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

const (
	// reconnect delay suggested to clients, in milliseconds
	relayRetryTimeout = 30000

	relayPingInterval = 10 * time.Second

	relayShutdownTimeout = 5 * time.Second
)

// StateRelay serves the latest audio state as an EventSource stream, so OSD
// widgets and status bars can follow volume, mute and default sink changes
type StateRelay struct {
	logger *zap.SugaredLogger
	server *http.Server

	manager *eventsource.ConnectionManager

	stopChannel chan struct{}
	running     int32
	eventID     int64

	statesLock sync.RWMutex
	states     map[string]interface{}
}

// NewStateRelay creates a relay; nothing listens until Start
func NewStateRelay(logger *zap.SugaredLogger) *StateRelay {
	logger = logger.Named("relay")

	manager := eventsource.NewConnectionManager()

	manager.SetOnConnect(func(encoder *eventsource.Encoder) {
		logger.Infow("New relay client connected", "remote", encoder.RemoteAddr(), "path", encoder.Path())
	})

	manager.SetOnDisconnect(func(encoder *eventsource.Encoder) {
		logger.Debugw("Relay client disconnected", "remote", encoder.RemoteAddr(), "path", encoder.Path())
	})

	sr := &StateRelay{
		logger:  logger,
		manager: manager,
		states:  make(map[string]interface{}),
	}

	logger.Debug("Created state relay instance")

	return sr
}

// Handler returns the EventSource handler; every path serves the same stream
func (sr *StateRelay) Handler() http.Handler {
	handler := eventsource.HandlerV2(func(
		info *eventsource.ConnectionInfo,
		encoder *eventsource.Encoder,
		stop <-chan bool,
	) {
		// bound to the run that accepted this client, a later restart gets its own
		done := sr.stopped()

		if err := encoder.SetRetry(relayRetryTimeout); err != nil {
			sr.logger.Debugw("Error sending retry field", "error", err)
			return
		}

		if err := encoder.Encode(sr.pingEvent()); err != nil {
			sr.logger.Debugw("Error sending ping event", "error", err)
			return
		}

		// late joiners get the current picture first
		for _, event := range sr.snapshotEvents() {
			if err := encoder.Encode(event); err != nil {
				if eventsource.IsConnectionError(err) {
					sr.logger.Debugw("Error sending state, connection closed", "error", err)
				}
				return
			}
		}

		select {
		case <-stop:
		case <-done:
		}
	})

	handlerWithManager := eventsource.HandlerWithManager(sr.manager, handler)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handlerWithManager.ServeHTTP)

	return mux
}

// Start listens on the given port. A non-positive port leaves the relay off
func (sr *StateRelay) Start(port int) error {
	if port <= 0 {
		sr.logger.Debug("Relay port not configured, relay will not start")
		return nil
	}

	if !atomic.CompareAndSwapInt32(&sr.running, 0, 1) {
		return fmt.Errorf("state relay: already running")
	}

	addr := fmt.Sprintf(":%d", port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		atomic.StoreInt32(&sr.running, 0)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	stopChannel := make(chan struct{})

	sr.statesLock.Lock()
	sr.stopChannel = stopChannel
	sr.statesLock.Unlock()

	sr.server = &http.Server{
		Addr:    addr,
		Handler: sr.Handler(),
	}
	server := sr.server

	go func() {
		sr.logger.Infow("Starting state relay", "addr", addr)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			sr.logger.Errorw("State relay server error", "error", err)

			if atomic.CompareAndSwapInt32(&sr.running, 1, 0) {
				close(stopChannel)
				sr.manager.CloseAll()
			}
		}
	}()

	go sr.pingLoop(stopChannel)

	return nil
}

// Stop disconnects every client and shuts the listener down
func (sr *StateRelay) Stop() {
	if !atomic.CompareAndSwapInt32(&sr.running, 1, 0) {
		return
	}

	sr.logger.Debug("Stopping state relay")

	close(sr.stopped())
	sr.manager.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), relayShutdownTimeout)
	defer cancel()

	if err := sr.server.Shutdown(ctx); err != nil {
		sr.logger.Warnw("Error during state relay shutdown", "error", err)
		sr.server.Close()
	}

	sr.logger.Info("State relay stopped")
}

// PublishState records the value and pushes it to connected clients
func (sr *StateRelay) PublishState(id string, value interface{}) {
	sr.statesLock.Lock()
	sr.states[id] = value
	sr.statesLock.Unlock()

	if atomic.LoadInt32(&sr.running) == 0 {
		return
	}

	event, err := sr.stateEvent(id, value)
	if err != nil {
		sr.logger.Warnw("Failed to marshal state", "id", id, "error", err)
		return
	}

	if err := sr.manager.Broadcast(event); err != nil && eventsource.IsConnectionError(err) {
		sr.logger.Debugw("Some relay clients failed during broadcast", "error", err)
	}
}

// State returns the last published value for id
func (sr *StateRelay) State(id string) (interface{}, bool) {
	sr.statesLock.RLock()
	defer sr.statesLock.RUnlock()

	value, ok := sr.states[id]
	return value, ok
}

func (sr *StateRelay) stopped() chan struct{} {
	sr.statesLock.RLock()
	defer sr.statesLock.RUnlock()

	return sr.stopChannel
}

func (sr *StateRelay) snapshotEvents() []eventsource.Event {
	sr.statesLock.RLock()
	ids := make([]string, 0, len(sr.states))
	for id := range sr.states {
		ids = append(ids, id)
	}
	values := make(map[string]interface{}, len(sr.states))
	for id, value := range sr.states {
		values[id] = value
	}
	sr.statesLock.RUnlock()

	sort.Strings(ids)

	events := make([]eventsource.Event, 0, len(ids))
	for _, id := range ids {
		event, err := sr.stateEvent(id, values[id])
		if err != nil {
			sr.logger.Warnw("Failed to marshal state", "id", id, "error", err)
			continue
		}
		events = append(events, event)
	}

	return events
}

func (sr *StateRelay) stateEvent(id string, value interface{}) (eventsource.Event, error) {
	data, err := json.Marshal(map[string]interface{}{
		"id":    id,
		"value": value,
	})
	if err != nil {
		return eventsource.Event{}, err
	}

	return eventsource.Event{
		ID:   fmt.Sprintf("%d", atomic.AddInt64(&sr.eventID, 1)),
		Type: "state",
		Data: data,
	}, nil
}

func (sr *StateRelay) pingEvent() eventsource.Event {
	data, _ := json.Marshal(map[string]interface{}{
		"title": "syseventd",
	})

	return eventsource.Event{
		ID:   fmt.Sprintf("%d", atomic.AddInt64(&sr.eventID, 1)),
		Type: "ping",
		Data: data,
	}
}

func (sr *StateRelay) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(relayPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := sr.manager.Broadcast(sr.pingEvent()); err != nil && eventsource.IsConnectionError(err) {
				sr.logger.Debugw("Some relay clients failed during ping", "error", err)
			}
		}
	}
}
