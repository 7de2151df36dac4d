package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/cephalopo/syseventd/pkg/syseventd"
)

// exit status when the daemon can't register itself on the bus or announce startup
const exitCodeStartup = 16

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (every key event and queued operation)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
}

func main() {
	flag.Parse()

	// first we need a logger
	logger, err := syseventd.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	// provide a fair warning if the user's running in verbose mode
	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	d, err := syseventd.NewDaemon(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create daemon object", "error", err)
	}

	// if injected by build process, set version info to show up in the tray
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		d.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
	}

	if err = d.Initialize(); err != nil {
		named.Errorw("Failed to initialize daemon", "error", err)
		logger.Sync()

		os.Exit(exitCode(err))
	}

	named.Info("Exited cleanly")
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, syseventd.ErrStartup):
		return exitCodeStartup
	default:
		return 1
	}
}
