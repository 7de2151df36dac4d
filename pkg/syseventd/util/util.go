package util

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"path/filepath"
	"runtime"
	"syscall"

	"go.uber.org/zap"
)

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// DumpAllGoroutines writes stack traces of all goroutines to the logger
func DumpAllGoroutines(logger *zap.SugaredLogger) {
	buf := make([]byte, 1024*1024) // 1MB buffer
	n := runtime.Stack(buf, true)
	logger.Errorw("All goroutines stack trace", "stack", string(buf[:n]))
}

// Username returns the current user's login name, or "nobody" if it can't be determined
func Username() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}

	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}

	return "nobody"
}

// RuntimeFile returns the path of a per-user runtime file. It lives in
// $XDG_RUNTIME_DIR when set, otherwise in /tmp prefixed with the user name
func RuntimeFile(name string, tmpName string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, name)
	}

	return filepath.Join(os.TempDir(), fmt.Sprintf("%s_%s", Username(), tmpName))
}

// ConfigDir returns the per-user config directory for the given application
func ConfigDir(app string) string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, app)
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", app)
	}

	return ""
}

// StateDir returns the per-user directory for logs and other state of the given application
func StateDir(app string) string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, app)
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", app)
	}

	return filepath.Join(os.TempDir(), fmt.Sprintf("%s_%s", Username(), app))
}

// CommandAvailable reports whether the given executable can be found in $PATH
func CommandAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}

// OpenExternal spawns a detached process with the provided command and argument
func OpenExternal(logger *zap.SugaredLogger, cmd string, arg string) error {
	command := exec.Command(cmd, arg)

	if err := command.Start(); err != nil {
		logger.Warnw("Failed to spawn detached process",
			"command", cmd,
			"argument", arg,
			"error", err)

		return fmt.Errorf("spawn detached proc: %w", err)
	}

	go command.Wait()

	return nil
}
