package main

import (
	"os"

	"github.com/grovetools/collab/cli"
	"github.com/grovetools/collab/cmd"
)

func main() {
	if err := cli.Execute(cmd.NewRootCmd()); err != nil {
		os.Exit(1)
	}
}
