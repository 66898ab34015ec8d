package main

import (
	"os"

	"github.com/apiprobe/apiprobe/cmd/apiprobe/cmds"
)

func main() {
	if err := cmds.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
