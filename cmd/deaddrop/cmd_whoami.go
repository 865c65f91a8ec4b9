package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

func runWhoami(args []string) {
	if err := doWhoami(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doWhoami(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := newCore(*configFlag)
	if err != nil {
		return err
	}

	passphrase, err := readPassphrase(stdout, "Enter passphrase: ")
	if err != nil {
		return err
	}

	publicID, err := c.InitIdentity(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking identity: %w", err)
	}

	fmt.Fprintln(stdout, publicID)
	return nil
}
