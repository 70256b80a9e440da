package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "erc20-status",
		Usage: "serves verified ERC-20 contract storage with optional TEE attestation",
		Commands: []*cli.Command{
			&Serve,
			&Query,
			&Slot,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
