package main

import (
	"os"

	"github.com/ternlabs/osm-proxy/cmd/osmproxyctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
