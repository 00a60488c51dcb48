// Command scamwarden is the operator console for the warden gateway: a
// terminal UI over the gateway's case, policy and stats APIs.
package main

import (
	"flag"
	"fmt"
	"os"

	"scamwarden/internal/tui"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		serverURL   string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "Warden gateway URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "Warden gateway URL (shorthand)")
	flag.Parse()

	if showVersion {
		fmt.Printf("scamwarden %s\n", version)
		os.Exit(0)
	}

	// Ops keys never go on the command line; they would leak into the
	// process list.
	apiKey := os.Getenv("WARDEN_API_KEY")

	fmt.Println("Starting scamwarden console...")
	fmt.Printf("Connecting to: %s\n", serverURL)

	if err := tui.Run(serverURL, apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "Error running console: %v\n", err)
		os.Exit(1)
	}
}
