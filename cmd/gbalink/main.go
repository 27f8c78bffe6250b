package main

import (
	"github.com/afska/gba-link-connection-sub000/pkg/cli/sh"
	"github.com/afska/gba-link-connection-sub000/pkg/link/wireless"
	"github.com/afska/gba-link-connection-sub000/pkg/relay"
)

//go-build: CGO_ENABLED=0

func init() {
	wireless.SetupFlags()
	relay.SetupFlags()
	sh.SetupFlags()
}

func main() {
	sh.Main()
}
