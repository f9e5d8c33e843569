package main

import (
	"os"

	"github.com/flotillaproject/flotilla/cmd/scheduler/cmd"
	"github.com/flotillaproject/flotilla/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
