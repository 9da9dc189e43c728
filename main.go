// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/hashicorp/vc-issuer/command"
	"github.com/hashicorp/vc-issuer/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run executes the CLI with the given arguments.
func Run(args []string) int {
	c := cli.NewCLI("vc-issuer", version.GetVersion().FullVersionNumber(true))
	c.Args = args
	c.Commands = command.Commands(nil)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}
	return exitCode
}
