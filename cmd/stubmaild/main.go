// Command stubmaild runs the stubmail POP3 and SMTP servers as a
// standalone daemon, configured from a TOML file. Intended for manual
// testing against real mail clients; test suites embed the servers
// directly instead.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/stubmail/stubmail/config"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := serve(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
