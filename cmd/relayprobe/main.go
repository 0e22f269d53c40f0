// Package main is the entry point for the relay probe, a command line client
// for poking at a running presence relay.
//
//   - watch:    connect as a user (or anonymously) and print every event
//   - send:     send one direct message and wait for the confirmation
//   - typing:   start typing to a user, then stop after a pause
//   - saturate: open many user connections and report connect latency
//   - events:   print the relay's NATS event tap
//
// Usage:
//
//	relayprobe <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "watch":
		err = runWatch(os.Args[2:])
	case "send":
		err = runSend(os.Args[2:])
	case "typing":
		err = runTyping(os.Args[2:])
	case "saturate":
		err = runSaturate(os.Args[2:])
	case "events":
		err = runEvents(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: relayprobe <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  watch       Connect and print every server event")
	fmt.Println("  send        Send one direct message and wait for messageConfirmed")
	fmt.Println("  typing      Send typing=true, pause, then typing=false")
	fmt.Println("  saturate    Open N user connections and report connect latency")
	fmt.Println("  events      Subscribe to the relay's NATS event tap")
	fmt.Println()
	fmt.Println("Run 'relayprobe <command> -h' for command-specific options.")
}
