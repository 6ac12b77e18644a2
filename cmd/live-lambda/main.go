package main

import (
	"os"

	"github.com/boundlessdigital/live-lambda/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
