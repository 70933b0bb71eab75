// Bifrost is the connector execution runtime of the automation platform: it
// takes declarative connector definitions and performs outbound vendor calls
// with rate limiting, SSRF guarding, bounded retry, and an audit trail.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/bifrost.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("bifrost", version)
		os.Exit(0)
	}

	// Best-effort: config ${VAR} expansion reads the loaded variables.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
