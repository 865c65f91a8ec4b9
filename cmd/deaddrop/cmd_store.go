package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/shurlinet/deaddrop/internal/termcolor"
)

func runStore(args []string) {
	if len(args) < 1 || args[0] != "test" {
		fmt.Println("Usage: deaddrop store test")
		osExit(1)
	}
	if err := doStoreTest(args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doStoreTest(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("store test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := newCore(*configFlag)
	if err != nil {
		return err
	}

	version, err := c.TestStore(context.Background())
	if err != nil {
		return fmt.Errorf("content store unreachable: %w", err)
	}

	termcolor.Green("Content store reachable: %s", version)
	return nil
}
