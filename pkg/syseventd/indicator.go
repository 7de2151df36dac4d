package syseventd

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cephalopo/syseventd/pkg/syseventd/util"
)

const indicatorDialTimeout = 500 * time.Millisecond

// Indicator displays a volume level somewhere the user can see it
type Indicator interface {
	Show(level int) error
}

// IndicatorSink writes the level to the first existing on-screen display target
// (an xob/wob style named pipe or unix socket)
type IndicatorSink struct {
	logger  *zap.SugaredLogger
	targets func() []string
}

// DefaultIndicatorTargets returns the well-known xob pipe and wob socket paths for the current user
func DefaultIndicatorTargets() []string {
	return []string{
		util.RuntimeFile("xob", "xob.pipe"),
		util.RuntimeFile("wob.sock", "wob.sock"),
	}
}

// NewIndicatorSink creates a sink that re-reads its target list on every write
func NewIndicatorSink(logger *zap.SugaredLogger, targets func() []string) *IndicatorSink {
	logger = logger.Named("indicator")

	if targets == nil {
		targets = DefaultIndicatorTargets
	}

	is := &IndicatorSink{
		logger:  logger,
		targets: targets,
	}

	logger.Debug("Created indicator sink instance")

	return is
}

// Show writes "<level>\n" to the first target that exists. Having no target
// at all is not an error
func (is *IndicatorSink) Show(level int) error {
	for _, target := range is.targets() {
		info, err := os.Stat(target)
		if err != nil {
			is.logger.Debugw("Indicator target does not exist, skipping", "target", target)
			continue
		}

		line := []byte(fmt.Sprintf("%d\n", level))

		if info.Mode()&os.ModeSocket != 0 {
			err = writeSocket(target, line)
		} else {
			err = writePipe(target, line)
		}

		if err != nil {
			is.logger.Warnw("Failed to write indicator level", "target", target, "level", level, "error", err)
			return fmt.Errorf("%w: write indicator %s: %v", ErrSideEffect, target, err)
		}

		is.logger.Debugw("Wrote indicator level", "target", target, "level", level)
		return nil
	}

	is.logger.Debug("No indicator target found, skipping")
	return nil
}

// writePipe opens non-blocking, otherwise a pipe nobody reads from would stall us
func writePipe(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	return nil
}

func writeSocket(path string, line []byte) error {
	conn, err := net.DialTimeout("unix", path, indicatorDialTimeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(indicatorDialTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	return nil
}
