package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/cephalopo/syseventd/pkg/syseventd"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s volume up|down|mute | mic | switch\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect session bus: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	client := syseventd.NewBusClient(conn)

	switch args[0] {
	case "volume":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}

		change, perr := syseventd.ParseVolumeChange(args[1])
		if perr != nil {
			fmt.Fprintln(os.Stderr, perr)
			os.Exit(2)
		}

		err = client.Volume(change)
	case "mic":
		err = client.MicrophoneToggle()
	case "switch":
		err = client.SwitchSoundCard()
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
