package main

import (
	"os"

	"github.com/clawdeploy/clawd/cmd/clawd/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
