package syseventd

import (
	"context"
	"os"

	"github.com/getlantern/systray"

	"github.com/cephalopo/syseventd/pkg/syseventd/icon"
	"github.com/cephalopo/syseventd/pkg/syseventd/util"
)

// initializeTray blocks in the tray's event loop and calls onReady from it
func (d *Daemon) initializeTray(ctx context.Context, onReady func()) {
	logger := d.logger.Named("tray")

	ready := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(icon.Speaker, icon.Speaker)
		systray.SetTitle("syseventd")
		systray.SetTooltip("syseventd")

		switchOutput := systray.AddMenuItem("Switch output device", "Make another sink the default")
		toggleMute := systray.AddMenuItem("Toggle mute", "Mute or unmute the default output")
		toggleMic := systray.AddMenuItem("Toggle microphone", "Mute or unmute the default input")

		systray.AddSeparator()
		editConfig := systray.AddMenuItem("Edit configuration", "Open the config file in an editor")

		var dumpStack *systray.MenuItem
		if d.verbose {
			dumpStack = systray.AddMenuItem("Dump stack trace", "Write all goroutine stacks to the log")
		}

		if d.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(d.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop syseventd and quit")

		submit := d.router.SubmitFunc(ctx)

		go func() {
			for {
				select {
				case <-ctx.Done():
					return

				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")
					d.signalStop()

				case <-switchOutput.ClickedCh:
					logger.Info("Switch output menu item clicked")
					go submit(CommandSwitchOutput)

				case <-toggleMute.ClickedCh:
					logger.Info("Toggle mute menu item clicked")
					go submit(CommandToggleMute)

				case <-toggleMic.ClickedCh:
					logger.Info("Toggle microphone menu item clicked")
					go submit(CommandToggleMicrophone)

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					editor := "xdg-open"
					if editorEnv := os.Getenv("EDITOR"); editorEnv != "" {
						editor = editorEnv
					}

					path := d.config.ConfigFileUsed()
					if path == "" {
						logger.Warn("No config file in use, nothing to edit")
						continue
					}

					if err := util.OpenExternal(logger, editor, path); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}
				}
			}
		}()

		if dumpStack != nil {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-dumpStack.ClickedCh:
						logger.Info("Dump stack trace menu item clicked")
						util.DumpAllGoroutines(logger)
					}
				}
			}()
		}

		onReady()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(ready, onExit)
}

func (d *Daemon) stopTray() {
	d.logger.Debug("Quitting tray")
	systray.Quit()
}
