// Orchd is a multi-provider LLM API gateway: clients present a gateway-issued
// proxy key and speak OpenAI, Anthropic, or Gemini wire dialects; the gateway
// routes each request to a provider group, balances upstream keys, and fails
// over between groups.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/orchd.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("orchd", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
