package main

import (
	"os"

	"github.com/pingsantohq/readiness/cmd/readinessctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
