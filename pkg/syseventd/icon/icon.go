// Package icon holds the images shown in the tray
package icon

import (
	_ "embed"
)

// Speaker is the tray icon, a white speaker on a transparent background
//
//go:embed speaker.png
var Speaker []byte
