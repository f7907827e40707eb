package main

import (
	"os"

	"github.com/zoff-tech/elasticsearch-raven/cmd/raven-proxy/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
