package syseventd

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStateRelayKeepsLastState(t *testing.T) {
	sr := NewStateRelay(zap.NewNop().Sugar())

	sr.PublishState(stateVolume, 40)
	sr.PublishState(stateVolume, 43)
	sr.PublishState(stateMute, true)

	value, ok := sr.State(stateVolume)
	require.True(t, ok)
	assert.Equal(t, 43, value)

	value, ok = sr.State(stateMute)
	require.True(t, ok)
	assert.Equal(t, true, value)

	_, ok = sr.State(stateDefaultSink)
	assert.False(t, ok)
}

func TestStateRelaySnapshotIsSorted(t *testing.T) {
	sr := NewStateRelay(zap.NewNop().Sugar())

	sr.PublishState(stateVolume, 40)
	sr.PublishState(stateDefaultSink, "Speakers")
	sr.PublishState(stateMicMute, false)

	events := sr.snapshotEvents()
	require.Len(t, events, 3)

	assert.Equal(t, "state", events[0].Type)
	assert.JSONEq(t, `{"id":"default_sink","value":"Speakers"}`, string(events[0].Data))
	assert.JSONEq(t, `{"id":"mic_mute","value":false}`, string(events[1].Data))
	assert.JSONEq(t, `{"id":"volume","value":40}`, string(events[2].Data))
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestStateRelayDisabledPort(t *testing.T) {
	sr := NewStateRelay(zap.NewNop().Sugar())

	require.NoError(t, sr.Start(0))
	sr.Stop()

	sr.PublishState(stateVolume, 10)
	value, _ := sr.State(stateVolume)
	assert.Equal(t, 10, value)
}

func freePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// subscribe opens an event stream and returns its data lines as they arrive
func subscribe(t *testing.T, port int) (<-chan string, io.Closer) {
	t.Helper()

	client := &http.Client{}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	require.NoError(t, err)

	lines := make(chan string, 64)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if data := strings.TrimPrefix(scanner.Text(), "data:"); data != scanner.Text() {
				lines <- strings.TrimSpace(data)
			}
		}
	}()

	return lines, resp.Body
}

func waitForData(t *testing.T, lines <-chan string, want string) {
	t.Helper()

	timeout := time.After(5 * time.Second)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before %s arrived", want)
			}
			if strings.Contains(line, want) {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func waitForClose(t *testing.T, lines <-chan string) {
	t.Helper()

	timeout := time.After(5 * time.Second)

	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("stream was not closed")
		}
	}
}

func TestStateRelayRestartOnNewPort(t *testing.T) {
	sr := NewStateRelay(zap.NewNop().Sugar())
	sr.PublishState(stateVolume, 40)

	oldPort := freePort(t)
	require.NoError(t, sr.Start(oldPort))

	oldLines, oldBody := subscribe(t, oldPort)
	defer oldBody.Close()
	waitForData(t, oldLines, `"value":40`)

	sr.Stop()
	waitForClose(t, oldLines)

	newPort := freePort(t)
	require.NoError(t, sr.Start(newPort))
	defer sr.Stop()

	newLines, newBody := subscribe(t, newPort)
	defer newBody.Close()

	// late joiners get the state published before the restart
	waitForData(t, newLines, `"value":40`)

	sr.PublishState(stateVolume, 43)
	waitForData(t, newLines, `"value":43`)

	_, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", oldPort), time.Second)
	assert.Error(t, err, "old port is released")
}

func TestStateRelayStartTwice(t *testing.T) {
	sr := NewStateRelay(zap.NewNop().Sugar())

	require.NoError(t, sr.Start(freePort(t)))
	defer sr.Stop()

	assert.Error(t, sr.Start(freePort(t)))
}

func TestStateRelayReportsBusyPort(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer listener.Close()

	sr := NewStateRelay(zap.NewNop().Sugar())
	err = sr.Start(listener.Addr().(*net.TCPAddr).Port)
	assert.Error(t, err)

	// a failed start leaves the relay startable
	require.NoError(t, sr.Start(freePort(t)))
	sr.Stop()
}
