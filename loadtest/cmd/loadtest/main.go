// Command loadtest drives a lobby server with simulated users.
//
//   - saturate: open N joined, idle connections and hold them
//   - room:     N joined users posting to the public room
//
// Usage:
//
//	loadtest <command> [options]
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

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "room":
		runRoom(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: N users join and stay idle")
	fmt.Println("  room        Public room test: N users join and post at a fixed interval")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
